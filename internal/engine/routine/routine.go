// Package routine runs the shared recurring habits: scheduled channel
// announcements, per-user DM nudges with quiet hours and snooze, confirmation
// recording and the end-of-day summary.
package routine

import (
	"context"
	"errors"
	"time"

	"focusbot/internal/state"
	"focusbot/internal/storage"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const EngineName = "routine"

var ErrNotEnrolled = errors.New("routine: user is not enrolled")

// Defaults for a fresh enrollment, matching the delivery behavior users
// expect out of the box: nudges every 90 minutes during waking hours.
const (
	defaultNudgeInterval = 90
	minNudgeInterval     = 5
	defaultWindowStart   = "06:00"
	defaultWindowEnd     = "23:00"
)

const dmBlockRetry = 5 * time.Minute

// Reconciler is the achievement hook invoked synchronously after a
// confirmation.
type Reconciler interface {
	ReconcileUser(ctx context.Context, routineID int64, userID string) error
}

type Engine struct {
	store   *state.Store
	adapter transport.Adapter
	log     logx.Logger
	now     func() time.Time

	// archive provides cross-restart dedup for public DM-failure notices and
	// the audit trail. Optional.
	archive storage.Store
	rec     Reconciler

	summaryAt string // local HH:MM after which the daily summary may go out
}

func New(store *state.Store, adapter transport.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:     store,
		adapter:   adapter,
		log:       log.With(logx.String("engine", EngineName)),
		now:       time.Now,
		summaryAt: "21:30",
	}
}

// SetArchive attaches the audit/dedup store.
func (e *Engine) SetArchive(s storage.Store) { e.archive = s }

// SetReconciler attaches the achievement engine.
func (e *Engine) SetReconciler(r Reconciler) { e.rec = r }

// SetSummaryTime overrides the local time after which daily summaries are
// sent.
func (e *Engine) SetSummaryTime(hhmm string) error {
	v, err := timeutil.NormalizeHHMM(hhmm)
	if err != nil {
		return err
	}
	e.summaryAt = v
	return nil
}

func locFor(d *state.Data, userID, guildID string) *time.Location {
	return timeutil.LoadLocation(d.Timezones.Resolve(userID, guildID))
}

// Create registers a routine. times are HH:MM announcement slots; duplicates
// are dropped, order is preserved.
func (e *Engine) Create(name, emoji, guildID, channelID, mentionRole string, times []string) (state.Routine, error) {
	if name == "" {
		return state.Routine{}, errors.New("routine name is required")
	}
	if channelID == "" {
		return state.Routine{}, errors.New("routine channel is required")
	}
	slots, err := normalizeSlots(times)
	if err != nil {
		return state.Routine{}, err
	}

	var out state.Routine
	uerr := e.store.Update(func(d *state.Data) bool {
		r := &state.Routine{
			ID:            d.NextID("routine"),
			Name:          name,
			Emoji:         emoji,
			Guild:         guildID,
			Channel:       channelID,
			MentionRole:   mentionRole,
			Times:         slots,
			Active:        true,
			Announcements: map[string]map[string]*state.Announcement{},
			Confirmations: map[string]map[string]bool{},
			Enrollments:   map[string]*state.Enrollment{},
		}
		d.Routines = append(d.Routines, r)
		out = *r
		return true
	})
	return out, uerr
}

func normalizeSlots(times []string) ([]string, error) {
	if len(times) == 0 {
		return nil, errors.New("at least one announcement time is required")
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(times))
	for _, raw := range times {
		v, err := timeutil.NormalizeHHMM(raw)
		if err != nil {
			return nil, err
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

// Edit applies the non-nil fields.
type Edit struct {
	Name        *string
	Emoji       *string
	Channel     *string
	MentionRole *string
	Times       []string // nil keeps the current slots
}

func (e *Engine) EditRoutine(id int64, upd Edit) error {
	var slots []string
	if upd.Times != nil {
		var err error
		slots, err = normalizeSlots(upd.Times)
		if err != nil {
			return err
		}
	}
	return e.mutate(id, func(r *state.Routine) bool {
		changed := false
		if upd.Name != nil && *upd.Name != "" && r.Name != *upd.Name {
			r.Name = *upd.Name
			changed = true
		}
		if upd.Emoji != nil && r.Emoji != *upd.Emoji {
			r.Emoji = *upd.Emoji
			changed = true
		}
		if upd.Channel != nil && *upd.Channel != "" && r.Channel != *upd.Channel {
			r.Channel = *upd.Channel
			changed = true
		}
		if upd.MentionRole != nil && r.MentionRole != *upd.MentionRole {
			r.MentionRole = *upd.MentionRole
			changed = true
		}
		if slots != nil {
			r.Times = slots
			changed = true
		}
		return changed
	})
}

// Pause stops announcements and nudges; confirmations and history are kept.
func (e *Engine) Pause(id int64) error {
	return e.mutate(id, func(r *state.Routine) bool {
		if !r.Active {
			return false
		}
		r.Active = false
		return true
	})
}

func (e *Engine) Resume(id int64) error {
	return e.mutate(id, func(r *state.Routine) bool {
		if r.Active {
			return false
		}
		r.Active = true
		return true
	})
}

// Delete removes the routine with its whole history.
func (e *Engine) Delete(id int64) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		for i, r := range d.Routines {
			if r.ID == id {
				d.Routines = append(d.Routines[:i], d.Routines[i+1:]...)
				opErr = nil
				return true
			}
		}
		return false
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// View is the read-side projection of one routine.
type View struct {
	ID       int64
	Name     string
	Emoji    string
	Channel  string
	Times    []string
	Active   bool
	Enrolled int
}

func (e *Engine) List() []View {
	var out []View
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			out = append(out, View{
				ID:       r.ID,
				Name:     r.Name,
				Emoji:    r.Emoji,
				Channel:  r.Channel,
				Times:    append([]string(nil), r.Times...),
				Active:   r.Active,
				Enrolled: len(r.Enrollments),
			})
		}
	})
	return out
}

func (e *Engine) mutate(id int64, fn func(*state.Routine) bool) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		r := d.RoutineByID(id)
		if r == nil {
			return false
		}
		opErr = nil
		return fn(r)
	})
	if opErr != nil {
		return opErr
	}
	return err
}
