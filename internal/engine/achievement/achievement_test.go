package achievement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"focusbot/internal/state"
	"focusbot/internal/transport/transporttest"
	logx "focusbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *transporttest.Fake, *fakeClock, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	fake := transporttest.NewFake()
	clock := &fakeClock{t: time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)}
	e := New(store, fake, logx.Nop())
	e.now = clock.Now
	return e, fake, clock, store
}

func seedRoutine(t *testing.T, store *state.Store) {
	t.Helper()
	if err := store.Update(func(d *state.Data) bool {
		d.Routines = append(d.Routines, &state.Routine{
			ID:            1,
			Name:          "workout",
			Guild:         "g1",
			Channel:       "c1",
			Active:        true,
			Announcements: map[string]map[string]*state.Announcement{},
			Confirmations: map[string]map[string]bool{},
			Enrollments:   map[string]*state.Enrollment{},
		})
		return true
	}); err != nil {
		t.Fatalf("seed routine: %v", err)
	}
}

// confirm marks userID confirmed on the day offset (in days) from the clock's
// current day.
func confirm(t *testing.T, store *state.Store, clock *fakeClock, userID string, offsets ...int) {
	t.Helper()
	if err := store.Update(func(d *state.Data) bool {
		r := d.RoutineByID(1)
		for _, off := range offsets {
			day := clock.Now().AddDate(0, 0, off).Format("2006-01-02")
			r.SetConfirmed(day, userID)
		}
		return true
	}); err != nil {
		t.Fatalf("seed confirmations: %v", err)
	}
}

func TestStreakRoleGrantedAtThreshold(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetStreakRole(1, 3, "roleA"); err != nil {
		t.Fatalf("SetStreakRole: %v", err)
	}

	// Two consecutive days: below threshold.
	confirm(t, store, clock, "u1", -1, 0)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	if got := fake.Grants(); len(got) != 0 {
		t.Fatalf("granted below threshold: %v", got)
	}

	// Third consecutive day crosses it.
	confirm(t, store, clock, "u1", -2)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	grants := fake.Grants()
	if len(grants) != 1 || grants[0].Role != "roleA" || grants[0].User != "u1" {
		t.Fatalf("grants = %v", grants)
	}

	// Re-running does not grant again: the role is already held.
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser repeat: %v", err)
	}
	if got := fake.Grants(); len(got) != 1 {
		t.Fatalf("duplicate grant: %v", got)
	}
}

func TestStreakRoleNeverRevoked(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetStreakRole(1, 3, "roleA"); err != nil {
		t.Fatalf("SetStreakRole: %v", err)
	}
	confirm(t, store, clock, "u1", -2, -1, 0)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	if held, _ := fake.HasRole(ctx, "g1", "u1", "roleA"); !held {
		t.Fatal("role not granted")
	}

	// Five days later the streak is long gone. The role stays.
	clock.Advance(5 * 24 * time.Hour)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser after gap: %v", err)
	}
	if got := fake.Revokes(); len(got) != 0 {
		t.Fatalf("streak role revoked: %v", got)
	}
	if held, _ := fake.HasRole(ctx, "g1", "u1", "roleA"); !held {
		t.Fatal("role lost after streak break")
	}
}

func TestMonthlyTopTransfersOnRollover(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetMonthlyRole(1, "top"); err != nil {
		t.Fatalf("SetMonthlyRole: %v", err)
	}

	// March: u1 leads.
	confirm(t, store, clock, "u1", -2, -1, 0)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	store.View(func(d *state.Data) {
		mt := d.RoutineByID(1).Achievements.MonthlyTop
		if mt.Winner != "u1" || mt.Month != "2026-03" {
			t.Errorf("monthly top after March = %+v", mt)
		}
	})
	if held, _ := fake.HasRole(ctx, "g1", "u1", "top"); !held {
		t.Fatal("March winner not granted")
	}

	// April: u2 takes over.
	clock.Advance(48 * time.Hour) // April 2
	confirm(t, store, clock, "u2", -1, 0)
	if err := e.ReconcileUser(ctx, 1, "u2"); err != nil {
		t.Fatalf("ReconcileUser in April: %v", err)
	}

	revokes := fake.Revokes()
	if len(revokes) != 1 || revokes[0].User != "u1" || revokes[0].Role != "top" {
		t.Fatalf("revokes = %v", revokes)
	}
	grants := fake.Grants()
	if len(grants) != 2 || grants[1].User != "u2" {
		t.Fatalf("grants = %v", grants)
	}
	store.View(func(d *state.Data) {
		mt := d.RoutineByID(1).Achievements.MonthlyTop
		if mt.Winner != "u2" || mt.Month != "2026-04" {
			t.Errorf("monthly top after April = %+v", mt)
		}
	})
}

func TestMonthlyTopEmptyMonthClearsWinner(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetMonthlyRole(1, "top"); err != nil {
		t.Fatalf("SetMonthlyRole: %v", err)
	}
	confirm(t, store, clock, "u1", 0)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}

	// April arrives with no confirmations at all.
	clock.Advance(24 * time.Hour)
	e.Sweep(ctx)

	store.View(func(d *state.Data) {
		mt := d.RoutineByID(1).Achievements.MonthlyTop
		if mt.Winner != "" {
			t.Errorf("winner not cleared: %+v", mt)
		}
		if mt.Month != "2026-04" {
			t.Errorf("month key not refreshed on empty month: %+v", mt)
		}
	})
	if held, _ := fake.HasRole(ctx, "g1", "u1", "top"); held {
		t.Fatal("role not revoked on empty month")
	}
}

func TestMonthlyTopIdempotentRepair(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetMonthlyRole(1, "top"); err != nil {
		t.Fatalf("SetMonthlyRole: %v", err)
	}
	confirm(t, store, clock, "u1", 0)
	if err := e.ReconcileUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	if got := fake.Grants(); len(got) != 1 {
		t.Fatalf("grants = %v", got)
	}

	// Unchanged leader, role intact: evaluation requests nothing.
	e.Sweep(ctx)
	if got := fake.Grants(); len(got) != 1 {
		t.Fatalf("redundant grant: %v", got)
	}

	// Someone removed the role by hand; the next evaluation repairs it.
	fake.SetRole("g1", "u1", "top", false)
	e.Sweep(ctx)
	if got := fake.Grants(); len(got) != 2 {
		t.Fatalf("repair grant missing: %v", got)
	}
	if held, _ := fake.HasRole(ctx, "g1", "u1", "top"); !held {
		t.Fatal("role not repaired")
	}
}

func TestSweepGrantsStreakRolesForConfirmedUsers(t *testing.T) {
	e, fake, clock, store := newTestEngine(t)
	ctx := context.Background()

	seedRoutine(t, store)
	if err := e.SetStreakRole(1, 2, "roleB"); err != nil {
		t.Fatalf("SetStreakRole: %v", err)
	}
	if err := store.Update(func(d *state.Data) bool {
		d.RoutineByID(1).Enrollments["u1"] = &state.Enrollment{DMEnabled: true, IntervalMinutes: 60}
		d.RoutineByID(1).Enrollments["u2"] = &state.Enrollment{DMEnabled: true, IntervalMinutes: 60}
		return true
	}); err != nil {
		t.Fatalf("seed enrollments: %v", err)
	}
	confirm(t, store, clock, "u1", -1, 0)
	confirm(t, store, clock, "u2", -1) // not confirmed today

	e.Sweep(ctx)
	grants := fake.Grants()
	if len(grants) != 1 || grants[0].User != "u1" || grants[0].Role != "roleB" {
		t.Fatalf("grants = %v", grants)
	}
}

func TestConfigValidation(t *testing.T) {
	e, _, _, store := newTestEngine(t)
	seedRoutine(t, store)

	if err := e.SetStreakRole(1, 0, "r"); err == nil {
		t.Fatal("accepted zero threshold")
	}
	if err := e.SetStreakRole(1, 3, ""); err == nil {
		t.Fatal("accepted empty role")
	}
	if err := e.SetStreakRole(99, 3, "r"); err != state.ErrNotFound {
		t.Fatalf("missing routine = %v, want ErrNotFound", err)
	}
	if err := e.RemoveStreakRole(1, 3); err != nil {
		t.Fatalf("RemoveStreakRole on absent threshold: %v", err)
	}
}
