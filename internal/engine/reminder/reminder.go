// Package reminder delivers one-shot reminders and recurring personal habit
// nudges over direct messages.
package reminder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"focusbot/internal/metrics"
	"focusbot/internal/state"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const EngineName = "reminder"

type Engine struct {
	store   *state.Store
	adapter transport.Adapter
	log     logx.Logger
	now     func() time.Time
}

func New(store *state.Store, adapter transport.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:   store,
		adapter: adapter,
		log:     log.With(logx.String("engine", EngineName)),
		now:     time.Now,
	}
}

// locFor resolves the effective location of a user acting in a guild. Must be
// called with a store lock held.
func locFor(d *state.Data, userID, guildID string) *time.Location {
	return timeutil.LoadLocation(d.Timezones.Resolve(userID, guildID))
}

// CreateReminder schedules a one-shot DM. when accepts "+45m"/"+2h"/"+1d",
// "HH:MM" (next local occurrence) and "2006-01-02 15:04" in the owner's
// resolved timezone.
func (e *Engine) CreateReminder(owner, guildID, when, text string) (state.Reminder, error) {
	now := e.now()
	var loc *time.Location
	e.store.View(func(d *state.Data) {
		loc = locFor(d, owner, guildID)
	})
	fireAt, err := timeutil.ParseWhen(when, now, loc)
	if err != nil {
		return state.Reminder{}, err
	}
	if !fireAt.After(now) {
		return state.Reminder{}, fmt.Errorf("time %q is in the past", when)
	}

	var out state.Reminder
	err = e.store.Update(func(d *state.Data) bool {
		r := &state.Reminder{
			ID:        d.NextID("reminder"),
			Owner:     owner,
			FireAt:    fireAt,
			Text:      text,
			CreatedAt: now,
		}
		d.Reminders = append(d.Reminders, r)
		out = *r
		return true
	})
	return out, err
}

// ListReminders returns the owner's pending reminders ordered by fire time.
func (e *Engine) ListReminders(owner string) []state.Reminder {
	var out []state.Reminder
	e.store.View(func(d *state.Data) {
		for _, r := range d.Reminders {
			if r.Owner == owner && !r.Delivered {
				out = append(out, *r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// CancelReminder soft-deletes a pending reminder by marking it delivered; ids
// stay stable and history survives.
func (e *Engine) CancelReminder(owner string, id int64) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		for _, r := range d.Reminders {
			if r.ID == id && r.Owner == owner && !r.Delivered {
				r.Delivered = true
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

// TickReminders delivers every due, undelivered reminder. Failures are logged
// and retried on the next tick; reminders are rare enough that naive retry
// beats backoff bookkeeping.
func (e *Engine) TickReminders(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick(EngineName, started)

	now := e.now()
	type due struct {
		id    int64
		owner string
		text  string
	}
	var pending []due
	e.store.View(func(d *state.Data) {
		for _, r := range d.Reminders {
			if r.Delivered || r.FireAt.After(now) {
				continue
			}
			pending = append(pending, due{id: r.ID, owner: r.Owner, text: r.Text})
		}
	})

	for _, p := range pending {
		_, err := e.adapter.SendDirect(ctx, p.owner, "⏰ Reminder: "+p.text, nil)
		metrics.IncDelivery(EngineName, "dm", err)
		if err != nil {
			e.log.Warn("reminder delivery failed; retrying next tick",
				logx.Int64("id", p.id), logx.String("owner", p.owner), logx.Err(err))
			continue
		}
		id := p.id
		if err := e.store.Update(func(d *state.Data) bool {
			for _, r := range d.Reminders {
				if r.ID == id && !r.Delivered {
					r.Delivered = true
					return true
				}
			}
			return false
		}); err != nil {
			e.log.Error("reminder flush failed", logx.Int64("id", id), logx.Err(err))
		}
	}
}
