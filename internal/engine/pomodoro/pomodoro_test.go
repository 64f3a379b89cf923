package pomodoro

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
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

func newTestEngine(t *testing.T) (*Engine, *transporttest.Fake, *fakeClock) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	fake := transporttest.NewFake()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	e := New(store, fake, logx.Nop())
	e.now = clock.Now
	return e, fake, clock
}

func shortConfig() state.PomodoroConfig {
	return state.PomodoroConfig{
		FocusSeconds:      10,
		ShortBreakSeconds: 5,
		LongBreakSeconds:  8,
		CyclesBeforeLong:  2,
	}
}

func TestStartAnnouncesFocus(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx, "c1"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}
	st := e.Status("c1")
	if !st.Active || st.Phase != state.PhaseFocus || st.CycleCount != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := fake.ChannelTexts("c1"); len(got) != 1 || !strings.Contains(got[0], "Focus") {
		t.Fatalf("start notification = %q", got)
	}
}

func TestTickPhaseSequence(t *testing.T) {
	e, fake, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Configure(ctx, "c1", shortConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Focus (10s) runs out: first cycle completes, 1 % 2 != 0 so short break.
	clock.Advance(11 * time.Second)
	e.Tick(ctx)
	st := e.Status("c1")
	if st.Phase != state.PhaseShortBreak || st.CycleCount != 1 {
		t.Fatalf("after focus: %+v", st)
	}
	if st.RemainingSeconds != 5 {
		t.Fatalf("short break remaining = %d, want fresh 5", st.RemainingSeconds)
	}

	// Short break (5s) runs out: back to focus.
	clock.Advance(6 * time.Second)
	e.Tick(ctx)
	if st = e.Status("c1"); st.Phase != state.PhaseFocus || st.CycleCount != 1 {
		t.Fatalf("after short break: %+v", st)
	}

	// Second focus completes: 2 % 2 == 0 so long break.
	clock.Advance(11 * time.Second)
	e.Tick(ctx)
	if st = e.Status("c1"); st.Phase != state.PhaseLongBreak || st.CycleCount != 2 {
		t.Fatalf("after second focus: %+v", st)
	}

	// Long break completion emits the full-cycle line plus the focus line.
	before := len(fake.ChannelTexts("c1"))
	clock.Advance(9 * time.Second)
	e.Tick(ctx)
	texts := fake.ChannelTexts("c1")
	if len(texts) != before+2 {
		t.Fatalf("got %d notifications, want %d", len(texts), before+2)
	}
	if !strings.Contains(texts[before], "Full cycle") {
		t.Fatalf("full-cycle notification = %q", texts[before])
	}
	if st = e.Status("c1"); st.Phase != state.PhaseFocus {
		t.Fatalf("after long break: %+v", st)
	}
}

func TestTickOvershootSingleTransition(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Configure(ctx, "c1", shortConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Enough elapsed time to notionally skip several phases. Exactly one
	// transition happens; the overshoot vanishes into the fresh duration.
	clock.Advance(1000 * time.Second)
	e.Tick(ctx)
	st := e.Status("c1")
	if st.Phase != state.PhaseShortBreak || st.CycleCount != 1 {
		t.Fatalf("status after overshoot: %+v", st)
	}
	if st.RemainingSeconds != 5 {
		t.Fatalf("remaining = %d, want full short break", st.RemainingSeconds)
	}
}

func TestPauseFreezesRemaining(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Configure(ctx, "c1", shortConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(4 * time.Second)
	e.Tick(ctx)
	if err := e.Pause(ctx, "c1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// Repeated pause is a no-op.
	if err := e.Pause(ctx, "c1"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	clock.Advance(time.Hour)
	e.Tick(ctx)
	st := e.Status("c1")
	if !st.Paused || st.RemainingSeconds != 6 {
		t.Fatalf("paused status: %+v", st)
	}

	if err := e.Resume(ctx, "c1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	clock.Advance(2 * time.Second)
	e.Tick(ctx)
	if st = e.Status("c1"); st.RemainingSeconds != 4 {
		t.Fatalf("remaining after resume = %d, want 4", st.RemainingSeconds)
	}
}

func TestStopClearsSessionKeepsConfig(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := shortConfig()
	if err := e.Configure(ctx, "c1", cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(ctx, "c1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(ctx, "c1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second Stop = %v, want ErrNoSession", err)
	}
	st := e.Status("c1")
	if st.Active {
		t.Fatal("session still active after stop")
	}
	if st.Config != cfg {
		t.Fatalf("config lost on stop: %+v", st.Config)
	}
}

func TestJoinLeaveParticipants(t *testing.T) {
	e, fake, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Configure(ctx, "c1", shortConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Join(ctx, "c1", "u1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := e.Join(ctx, "c1", "u1"); err != nil {
		t.Fatalf("repeated Join: %v", err)
	}
	if err := e.Join(ctx, "c1", "u2"); err != nil {
		t.Fatalf("Join u2: %v", err)
	}
	if err := e.Leave(ctx, "c1", "u2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	st := e.Status("c1")
	if len(st.Participants) != 1 || st.Participants[0] != "u1" {
		t.Fatalf("participants = %v", st.Participants)
	}

	// Phase notifications ping the remaining participant.
	clock.Advance(11 * time.Second)
	e.Tick(ctx)
	texts := fake.ChannelTexts("c1")
	last := texts[len(texts)-1]
	if !strings.Contains(last, "<@u1>") {
		t.Fatalf("transition notification missing mention: %q", last)
	}
}

func TestRestartResetsCycle(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Configure(ctx, "c1", shortConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Join(ctx, "c1", "u1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	clock.Advance(11 * time.Second)
	e.Tick(ctx)

	if err := e.Restart(ctx, "c1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st := e.Status("c1")
	if st.Phase != state.PhaseFocus || st.CycleCount != 0 || st.RemainingSeconds != 10 {
		t.Fatalf("status after restart: %+v", st)
	}
	if len(st.Participants) != 1 {
		t.Fatalf("participants not carried over: %v", st.Participants)
	}
}
