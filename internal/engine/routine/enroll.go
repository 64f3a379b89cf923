package routine

import (
	"context"
	"time"

	"focusbot/internal/state"
	"focusbot/internal/timeutil"
	logx "focusbot/pkg/logx"
)

// Join enrolls a user. Joining again updates interval and DM preference but
// keeps the quiet window and history.
func (e *Engine) Join(routineID int64, userID string, intervalMinutes int, dmEnabled bool) error {
	if intervalMinutes <= 0 {
		intervalMinutes = defaultNudgeInterval
	}
	if intervalMinutes < minNudgeInterval {
		intervalMinutes = minNudgeInterval
	}
	now := e.now()
	return e.mutate(routineID, func(r *state.Routine) bool {
		if r.Enrollments == nil {
			r.Enrollments = map[string]*state.Enrollment{}
		}
		en := r.Enrollments[userID]
		if en == nil {
			r.Enrollments[userID] = &state.Enrollment{
				DMEnabled:       dmEnabled,
				IntervalMinutes: intervalMinutes,
				Quiet:           state.Window{Start: defaultWindowStart, End: defaultWindowEnd},
				NextDueAt:       now,
			}
			return true
		}
		en.DMEnabled = dmEnabled
		en.IntervalMinutes = intervalMinutes
		return true
	})
}

// Leave drops the enrollment; confirmations already recorded stay.
func (e *Engine) Leave(routineID int64, userID string) error {
	return e.mutate(routineID, func(r *state.Routine) bool {
		if _, ok := r.Enrollments[userID]; !ok {
			return false
		}
		delete(r.Enrollments, userID)
		return true
	})
}

// Preferences carries the optional per-user settings for SetPreferences.
type Preferences struct {
	IntervalMinutes *int
	DMEnabled       *bool
	QuietStart      *string
	QuietEnd        *string
}

func (e *Engine) SetPreferences(routineID int64, userID string, p Preferences) error {
	var start, end string
	if p.QuietStart != nil {
		v, err := timeutil.NormalizeHHMM(*p.QuietStart)
		if err != nil {
			return err
		}
		start = v
	}
	if p.QuietEnd != nil {
		v, err := timeutil.NormalizeHHMM(*p.QuietEnd)
		if err != nil {
			return err
		}
		end = v
	}
	opErr := error(nil)
	err := e.mutate(routineID, func(r *state.Routine) bool {
		en := r.Enrollments[userID]
		if en == nil {
			opErr = ErrNotEnrolled
			return false
		}
		changed := false
		if p.IntervalMinutes != nil {
			iv := *p.IntervalMinutes
			if iv < minNudgeInterval {
				iv = minNudgeInterval
			}
			if en.IntervalMinutes != iv {
				en.IntervalMinutes = iv
				changed = true
			}
		}
		if p.DMEnabled != nil && en.DMEnabled != *p.DMEnabled {
			en.DMEnabled = *p.DMEnabled
			changed = true
		}
		if p.QuietStart != nil && en.Quiet.Start != start {
			en.Quiet.Start = start
			changed = true
		}
		if p.QuietEnd != nil && en.Quiet.End != end {
			en.Quiet.End = end
			changed = true
		}
		return changed
	})
	if err != nil {
		return err
	}
	return opErr
}

// Snooze suppresses nudges for the user until the given time. A zero time
// clears an active snooze.
func (e *Engine) Snooze(routineID int64, userID string, until time.Time) error {
	opErr := error(nil)
	err := e.mutate(routineID, func(r *state.Routine) bool {
		en := r.Enrollments[userID]
		if en == nil {
			opErr = ErrNotEnrolled
			return false
		}
		if en.SnoozeUntil.Equal(until) {
			return false
		}
		en.SnoozeUntil = until
		return true
	})
	if err != nil {
		return err
	}
	return opErr
}

// Confirm records that the user did the routine today (their local day).
// It refreshes the nudge interval so the user is left alone, then
// synchronously reconciles achievements. Returns whether this was the first
// confirmation of the day.
func (e *Engine) Confirm(ctx context.Context, routineID int64, userID string) (bool, error) {
	now := e.now()
	var first bool
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		r := d.RoutineByID(routineID)
		if r == nil {
			return false
		}
		opErr = nil
		day := timeutil.DayKey(now, locFor(d, userID, r.Guild))
		first = r.SetConfirmed(day, userID)
		changed := first
		if en := r.Enrollments[userID]; en != nil {
			en.NextDueAt = now.Add(time.Duration(en.IntervalMinutes) * time.Minute)
			changed = true
		}
		return changed
	})
	if opErr != nil {
		return false, opErr
	}
	if err != nil {
		return first, err
	}

	if e.rec != nil {
		if rerr := e.rec.ReconcileUser(ctx, routineID, userID); rerr != nil {
			e.log.Warn("achievement reconciliation failed",
				logx.Int64("routine", routineID), logx.String("user", userID), logx.Err(rerr))
		}
	}
	return first, nil
}
