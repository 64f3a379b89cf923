package routine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"focusbot/internal/metrics"
	"focusbot/internal/state"
	"focusbot/internal/stats"
	"focusbot/internal/storage"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

// TickAnnounce publishes the announcement for every (routine, slot) whose
// local HH:MM matches the current minute and that has not been announced for
// that slot today. Publishing also arms every non-snoozed enrollee for an
// immediate nudge.
func (e *Engine) TickAnnounce(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick("routine_announce", started)

	now := e.now()
	type slotDue struct {
		routineID   int64
		channel     string
		mentionRole string
		name        string
		emoji       string
		day         string
		slot        string
	}
	var due []slotDue
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			if !r.Active || r.Channel == "" {
				continue
			}
			loc := locFor(d, "", r.Guild)
			lt := now.In(loc)
			cur := fmt.Sprintf("%02d:%02d", lt.Hour(), lt.Minute())
			day := timeutil.DayKey(now, loc)
			for _, slot := range r.Times {
				if slot != cur || r.AnnouncementFor(day, slot) != nil {
					continue
				}
				due = append(due, slotDue{
					routineID:   r.ID,
					channel:     r.Channel,
					mentionRole: r.MentionRole,
					name:        r.Name,
					emoji:       r.Emoji,
					day:         day,
					slot:        slot,
				})
			}
		}
	})

	for _, s := range due {
		text := fmt.Sprintf("%s It's time for **%s**! Confirm once you're done.", s.emoji, s.name)
		var opt *transport.SendOptions
		if s.mentionRole != "" {
			text = "<@&" + s.mentionRole + "> " + text
			opt = &transport.SendOptions{MentionRoles: []string{s.mentionRole}}
		}
		ref, err := e.adapter.SendChannel(ctx, s.channel, text, opt)
		metrics.IncDelivery(EngineName, "channel", err)
		if err != nil {
			e.log.Warn("announcement failed",
				logx.Int64("routine", s.routineID), logx.String("slot", s.slot), logx.Err(err))
			continue
		}
		s := s
		if uerr := e.store.Update(func(d *state.Data) bool {
			r := d.RoutineByID(s.routineID)
			if r == nil || r.AnnouncementFor(s.day, s.slot) != nil {
				return false
			}
			r.SetAnnouncement(s.day, s.slot, &state.Announcement{
				MessageRef: ref.Encode(),
				SentAt:     now,
			})
			for _, en := range r.Enrollments {
				if now.Before(en.SnoozeUntil) {
					continue
				}
				en.NextDueAt = now
			}
			return true
		}); uerr != nil {
			e.log.Error("announcement flush failed", logx.Int64("routine", s.routineID), logx.Err(uerr))
		}
	}
}

type nudgeDue struct {
	routineID int64
	userID    string
	channel   string
	name      string
	emoji     string
	interval  int
}

// TickNudge DMs every enrolled user who has not confirmed today, is not
// snoozed or DM-blocked, is inside their delivery window and whose next due
// time has elapsed.
func (e *Engine) TickNudge(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick("routine_nudge", started)

	now := e.now()
	var (
		due    []nudgeDue
		raises []nudgeDue
	)
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			if !r.Active {
				continue
			}
			for userID, en := range r.Enrollments {
				if !en.DMEnabled || now.Before(en.SnoozeUntil) {
					continue
				}
				loc := locFor(d, userID, r.Guild)
				if r.Confirmed(timeutil.DayKey(now, loc), userID) {
					continue
				}
				n := nudgeDue{
					routineID: r.ID,
					userID:    userID,
					channel:   r.Channel,
					name:      r.Name,
					emoji:     r.Emoji,
					interval:  en.IntervalMinutes,
				}
				if ds := d.Delivery[userID]; ds != nil && ds.Blocked && now.Before(ds.RetryAfter) {
					raises = append(raises, n)
					continue
				}
				if !timeutil.InWindow(now, loc, en.Quiet.Start, en.Quiet.End) {
					continue
				}
				if en.NextDueAt.After(now) {
					continue
				}
				due = append(due, n)
			}
		}
	})

	if len(raises) > 0 {
		if err := e.store.Update(func(d *state.Data) bool {
			changed := false
			for _, n := range raises {
				r := d.RoutineByID(n.routineID)
				ds := d.Delivery[n.userID]
				if r == nil || ds == nil {
					continue
				}
				if en := r.Enrollments[n.userID]; en != nil && en.NextDueAt.Before(ds.RetryAfter) {
					en.NextDueAt = ds.RetryAfter
					changed = true
				}
			}
			return changed
		}); err != nil {
			e.log.Error("nudge backoff flush failed", logx.Err(err))
		}
	}

	for _, n := range due {
		e.deliverNudge(ctx, now, n)
	}
}

func (e *Engine) deliverNudge(ctx context.Context, now time.Time, n nudgeDue) {
	text := fmt.Sprintf("%s Don't forget **%s** today! Confirm in <#%s> when you're done.",
		n.emoji, n.name, n.channel)
	_, err := e.adapter.SendDirect(ctx, n.userID, text, nil)
	metrics.IncDelivery(EngineName, "dm", err)

	switch {
	case errors.Is(err, transport.ErrRefused):
		metrics.DMRefusals.Inc()
		retry := now.Add(dmBlockRetry)
		if uerr := e.store.Update(func(d *state.Data) bool {
			ds := d.DeliveryFor(n.userID)
			ds.Blocked = true
			ds.RetryAfter = retry
			if r := d.RoutineByID(n.routineID); r != nil {
				if en := r.Enrollments[n.userID]; en != nil {
					en.NextDueAt = retry
				}
			}
			return true
		}); uerr != nil {
			e.log.Error("nudge block flush failed", logx.String("user", n.userID), logx.Err(uerr))
		}
		e.publicNotice(ctx, now, n.userID, n.channel)
	case err != nil:
		e.log.Warn("nudge failed; retrying next tick",
			logx.Int64("routine", n.routineID), logx.String("user", n.userID), logx.Err(err))
	default:
		if uerr := e.store.Update(func(d *state.Data) bool {
			if ds := d.Delivery[n.userID]; ds != nil && ds.Blocked {
				ds.Blocked = false
				ds.RetryAfter = time.Time{}
			}
			r := d.RoutineByID(n.routineID)
			if r == nil {
				return true
			}
			if en := r.Enrollments[n.userID]; en != nil {
				en.NextDueAt = now.Add(time.Duration(n.interval) * time.Minute)
			}
			return true
		}); uerr != nil {
			e.log.Error("nudge flush failed", logx.String("user", n.userID), logx.Err(uerr))
		}
	}
}

// publicNotice tells the routine channel that a user's DMs could not be
// delivered. Rate limited to two notices per channel per calendar day with at
// least five minutes in between; the dedup store enforces the spacing across
// restarts.
func (e *Engine) publicNotice(ctx context.Context, now time.Time, userID, channelID string) {
	if channelID == "" {
		return
	}
	dedupKey := "dmnotice:" + userID + ":" + channelID
	if e.archive != nil {
		if until, ok, err := e.archive.GetDedup(ctx, dedupKey); err == nil && ok && now.Before(until) {
			return
		}
	}

	day := timeutil.DayKey(now, time.UTC)
	allowed := false
	if err := e.store.Update(func(d *state.Data) bool {
		ds := d.DeliveryFor(userID)
		if ds.Notices == nil {
			ds.Notices = map[string]*state.NoticeLog{}
		}
		nl := ds.Notices[channelID]
		if nl == nil {
			nl = &state.NoticeLog{}
			ds.Notices[channelID] = nl
		}
		if nl.Day != day {
			nl.Day = day
			nl.Count = 0
		}
		if nl.Count >= 2 {
			return false
		}
		if !nl.LastNotifiedAt.IsZero() && now.Sub(nl.LastNotifiedAt) < dmBlockRetry {
			return false
		}
		nl.Count++
		nl.LastNotifiedAt = now
		allowed = true
		return true
	}); err != nil {
		e.log.Error("notice log flush failed", logx.String("user", userID), logx.Err(err))
	}
	if !allowed {
		return
	}

	text := fmt.Sprintf("I couldn't reach <@%s> by direct message. They may have DMs disabled.", userID)
	_, err := e.adapter.SendChannel(ctx, channelID, text, &transport.SendOptions{MentionUsers: []string{userID}})
	metrics.IncDelivery(EngineName, "channel", err)
	if err != nil {
		e.log.Warn("public notice failed", logx.String("channel", channelID), logx.Err(err))
	}
	if e.archive != nil {
		if perr := e.archive.PutDedup(ctx, dedupKey, now.Add(dmBlockRetry)); perr != nil {
			e.log.Warn("dedup write failed", logx.String("key", dedupKey), logx.Err(perr))
		}
		_ = e.archive.AppendAudit(ctx, storage.AuditEntry{
			At:      now,
			Engine:  EngineName,
			Action:  "dm.notice",
			Channel: channelID,
			User:    userID,
		})
	}
}

// TickSummary sends each user who confirmed at least one routine today a
// consolidated recap once their local clock passes the configured time. The
// per-day sent marker guarantees at most one summary per user per local day.
func (e *Engine) TickSummary(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick("routine_summary", started)

	targetH, targetM, err := timeutil.ParseHHMM(e.summaryAt)
	if err != nil {
		return
	}
	now := e.now()

	type summary struct {
		userID string
		day    string
		lines  []string
	}
	perUser := map[string]*summary{}
	var order []string
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			for userID := range r.Enrollments {
				loc := locFor(d, userID, r.Guild)
				day := timeutil.DayKey(now, loc)
				if !r.Confirmed(day, userID) {
					continue
				}
				lt := now.In(loc)
				if lt.Hour()*60+lt.Minute() < targetH*60+targetM {
					continue
				}
				if d.Summaries[userID] == day {
					continue
				}
				if ds := d.Delivery[userID]; ds != nil && ds.Blocked && now.Before(ds.RetryAfter) {
					continue
				}
				s := perUser[userID]
				if s == nil {
					s = &summary{userID: userID, day: day}
					perUser[userID] = s
					order = append(order, userID)
				}
				streak := stats.StreakEndingToday(r.Confirmations, userID, now, loc)
				s.lines = append(s.lines, fmt.Sprintf("%s %s: %d day streak", r.Emoji, r.Name, streak))
			}
		}
	})

	for _, userID := range order {
		s := perUser[userID]
		text := "📊 Daily wrap-up, nicely done today:\n" + strings.Join(s.lines, "\n")
		_, serr := e.adapter.SendDirect(ctx, s.userID, text, nil)
		metrics.IncDelivery(EngineName, "dm", serr)
		if errors.Is(serr, transport.ErrRefused) {
			metrics.DMRefusals.Inc()
			retry := now.Add(dmBlockRetry)
			if uerr := e.store.Update(func(d *state.Data) bool {
				ds := d.DeliveryFor(s.userID)
				ds.Blocked = true
				ds.RetryAfter = retry
				return true
			}); uerr != nil {
				e.log.Error("summary block flush failed", logx.Err(uerr))
			}
			continue
		}
		if serr != nil {
			e.log.Warn("summary failed; retrying next tick", logx.String("user", s.userID), logx.Err(serr))
			continue
		}
		userID, day := s.userID, s.day
		if uerr := e.store.Update(func(d *state.Data) bool {
			if d.Summaries == nil {
				d.Summaries = map[string]string{}
			}
			if d.Summaries[userID] == day {
				return false
			}
			d.Summaries[userID] = day
			return true
		}); uerr != nil {
			e.log.Error("summary flush failed", logx.String("user", userID), logx.Err(uerr))
		}
	}
}
