package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"focusbot/internal/metrics"
	"focusbot/internal/state"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const habitEngine = "habit"

// minHabitInterval keeps a habit from nudging more often than every 5
// minutes.
const minHabitInterval = 5

const dmBlockRetry = 5 * time.Minute

// CreateHabit registers a recurring personal nudge. The first nudge is due
// immediately.
func (e *Engine) CreateHabit(owner, guildID, channelID, name string, goalPerDay, intervalMinutes int, emoji string) (state.Habit, error) {
	if name == "" {
		return state.Habit{}, errors.New("habit name is required")
	}
	if goalPerDay < 1 {
		return state.Habit{}, errors.New("daily goal must be at least 1")
	}
	if intervalMinutes < minHabitInterval {
		intervalMinutes = minHabitInterval
	}
	now := e.now()
	var out state.Habit
	err := e.store.Update(func(d *state.Data) bool {
		h := &state.Habit{
			ID:              d.NextID("habit"),
			Owner:           owner,
			Guild:           guildID,
			Channel:         channelID,
			Name:            name,
			GoalPerDay:      goalPerDay,
			IntervalMinutes: intervalMinutes,
			Emoji:           emoji,
			Active:          true,
			NextDueAt:       now,
			Progress:        map[string]int{},
		}
		d.Habits = append(d.Habits, h)
		out = *h
		return true
	})
	return out, err
}

// ListHabits returns the owner's habits ordered by id.
func (e *Engine) ListHabits(owner string) []state.Habit {
	var out []state.Habit
	e.store.View(func(d *state.Data) {
		for _, h := range d.Habits {
			if h.Owner == owner {
				out = append(out, *h)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PauseHabit stops nudging; pausing an inactive habit is a no-op.
func (e *Engine) PauseHabit(owner string, id int64) error {
	return e.mutateHabit(owner, id, func(h *state.Habit) bool {
		if !h.Active {
			return false
		}
		h.Active = false
		return true
	})
}

// ResumeHabit reactivates a habit and makes it due immediately.
func (e *Engine) ResumeHabit(owner string, id int64) error {
	now := e.now()
	return e.mutateHabit(owner, id, func(h *state.Habit) bool {
		h.Active = true
		h.NextDueAt = now
		return true
	})
}

// DeleteHabit removes the habit and its progress history.
func (e *Engine) DeleteHabit(owner string, id int64) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		for i, h := range d.Habits {
			if h.ID == id && h.Owner == owner {
				d.Habits = append(d.Habits[:i], d.Habits[i+1:]...)
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

// SetHabitGoal changes the daily goal.
func (e *Engine) SetHabitGoal(owner string, id int64, goalPerDay int) error {
	if goalPerDay < 1 {
		return errors.New("daily goal must be at least 1")
	}
	return e.mutateHabit(owner, id, func(h *state.Habit) bool {
		if h.GoalPerDay == goalPerDay {
			return false
		}
		h.GoalPerDay = goalPerDay
		return true
	})
}

// MarkHabit records one completion for the owner's local day and returns the
// new count. Reaching the goal pushes the next nudge an hour out.
func (e *Engine) MarkHabit(owner string, id int64) (int, error) {
	now := e.now()
	var count int
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		h := d.HabitByID(owner, id)
		if h == nil {
			return false
		}
		opErr = nil
		day := timeutil.DayKey(now, locFor(d, h.Owner, h.Guild))
		if h.Progress == nil {
			h.Progress = map[string]int{}
		}
		h.Progress[day]++
		count = h.Progress[day]
		if count >= h.GoalPerDay {
			h.NextDueAt = now.Add(time.Hour)
		}
		return true
	})
	if opErr != nil {
		return 0, opErr
	}
	return count, err
}

func (e *Engine) mutateHabit(owner string, id int64, fn func(*state.Habit) bool) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		h := d.HabitByID(owner, id)
		if h == nil {
			return false
		}
		opErr = nil
		return fn(h)
	})
	if opErr != nil {
		return opErr
	}
	return err
}

type habitNudge struct {
	id       int64
	owner    string
	guild    string
	name     string
	emoji    string
	interval int
	count    int
	goal     int
}

// TickHabits nudges every active habit whose local-day progress is under the
// goal and whose next due time has elapsed. Recipients with blocked DMs are
// skipped until their retry window opens; the habit's own due time is raised
// to match so it is not re-examined every tick.
func (e *Engine) TickHabits(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick(habitEngine, started)

	now := e.now()
	var (
		nudges []habitNudge
		raises []habitNudge
	)
	e.store.View(func(d *state.Data) {
		for _, h := range d.Habits {
			if !h.Active || h.NextDueAt.After(now) {
				continue
			}
			day := timeutil.DayKey(now, locFor(d, h.Owner, h.Guild))
			if h.Progress[day] >= h.GoalPerDay {
				continue
			}
			n := habitNudge{
				id:       h.ID,
				owner:    h.Owner,
				guild:    h.Guild,
				name:     h.Name,
				emoji:    h.Emoji,
				interval: h.IntervalMinutes,
				count:    h.Progress[day],
				goal:     h.GoalPerDay,
			}
			if ds := d.Delivery[h.Owner]; ds != nil && ds.Blocked && now.Before(ds.RetryAfter) {
				raises = append(raises, n)
				continue
			}
			nudges = append(nudges, n)
		}
	})

	if len(raises) > 0 {
		if err := e.store.Update(func(d *state.Data) bool {
			changed := false
			for _, n := range raises {
				h := d.HabitByID(n.owner, n.id)
				ds := d.Delivery[n.owner]
				if h == nil || ds == nil {
					continue
				}
				if h.NextDueAt.Before(ds.RetryAfter) {
					h.NextDueAt = ds.RetryAfter
					changed = true
				}
			}
			return changed
		}); err != nil {
			e.log.Error("habit backoff flush failed", logx.Err(err))
		}
	}

	for _, n := range nudges {
		e.deliverHabitNudge(ctx, now, n)
	}
}

func (e *Engine) deliverHabitNudge(ctx context.Context, now time.Time, n habitNudge) {
	if n.guild != "" {
		member, err := e.adapter.IsMember(ctx, n.guild, n.owner)
		if err != nil {
			e.log.Warn("habit membership check failed", logx.Int64("id", n.id), logx.Err(err))
			return
		}
		if !member {
			// The owner left the community: defer a full day instead of
			// knocking every tick.
			if err := e.mutateHabit(n.owner, n.id, func(h *state.Habit) bool {
				h.NextDueAt = now.Add(24 * time.Hour)
				return true
			}); err != nil {
				e.log.Error("habit defer flush failed", logx.Int64("id", n.id), logx.Err(err))
			}
			return
		}
	}

	text := fmt.Sprintf("%s **%s**: %d/%d today. Keep it going!", n.emoji, n.name, n.count, n.goal)
	ref, err := e.adapter.SendDirect(ctx, n.owner, text, nil)
	metrics.IncDelivery(habitEngine, "dm", err)

	switch {
	case errors.Is(err, transport.ErrRefused):
		metrics.DMRefusals.Inc()
		retry := now.Add(dmBlockRetry)
		if uerr := e.store.Update(func(d *state.Data) bool {
			ds := d.DeliveryFor(n.owner)
			ds.Blocked = true
			ds.RetryAfter = retry
			if h := d.HabitByID(n.owner, n.id); h != nil {
				h.NextDueAt = retry
			}
			return true
		}); uerr != nil {
			e.log.Error("habit block flush failed", logx.Int64("id", n.id), logx.Err(uerr))
		}
		e.log.Info("habit dm refused; backing off",
			logx.Int64("id", n.id), logx.String("owner", n.owner))
	case err != nil:
		e.log.Warn("habit nudge failed; retrying next tick",
			logx.Int64("id", n.id), logx.Err(err))
	default:
		if uerr := e.store.Update(func(d *state.Data) bool {
			if ds := d.Delivery[n.owner]; ds != nil && ds.Blocked {
				ds.Blocked = false
				ds.RetryAfter = time.Time{}
			}
			h := d.HabitByID(n.owner, n.id)
			if h == nil {
				return false
			}
			h.NextDueAt = now.Add(time.Duration(n.interval) * time.Minute)
			h.LastPromptRef = ref.Encode()
			return true
		}); uerr != nil {
			e.log.Error("habit flush failed", logx.Int64("id", n.id), logx.Err(uerr))
		}
	}
}
