// Package pomodoro drives the per-channel focus/break timer. Each channel
// owns at most one session; the session is a small state machine over
// {focus, short_break, long_break} advanced by a periodic tick.
package pomodoro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"focusbot/internal/metrics"
	"focusbot/internal/state"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const EngineName = "pomodoro"

var (
	ErrNoSession     = errors.New("pomodoro: no active session")
	ErrSessionActive = errors.New("pomodoro: session already active")
)

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

// Start begins a fresh session in the channel using its stored config.
func (e *Engine) Start(ctx context.Context, channelID string) error {
	now := e.now()
	var (
		cfg   state.PomodoroConfig
		parts []string
		opErr error
	)
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil {
			ct = &state.ChannelTimer{Config: state.DefaultPomodoroConfig()}
			d.Channels[channelID] = ct
		}
		if ct.Session != nil {
			opErr = ErrSessionActive
			return false
		}
		cfg = ct.Config
		ct.Session = &state.Session{
			Phase:            state.PhaseFocus,
			RemainingSeconds: cfg.FocusSeconds,
			LastTick:         now,
		}
		return true
	})
	if opErr != nil {
		return opErr
	}
	if err != nil {
		return err
	}
	e.announce(ctx, channelID, state.PhaseFocus, cfg.FocusSeconds, parts)
	return nil
}

// Stop clears the session. The channel config survives.
func (e *Engine) Stop(ctx context.Context, channelID string) error {
	var opErr error
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil || ct.Session == nil {
			opErr = ErrNoSession
			return false
		}
		ct.Session = nil
		return true
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Pause freezes the remaining time. Pausing an already paused session is a
// no-op.
func (e *Engine) Pause(ctx context.Context, channelID string) error {
	var opErr error
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil || ct.Session == nil {
			opErr = ErrNoSession
			return false
		}
		if ct.Session.Paused {
			return false
		}
		ct.Session.Paused = true
		return true
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Resume continues from the frozen remaining time. The tick stamp is reset so
// the paused interval does not count as elapsed.
func (e *Engine) Resume(ctx context.Context, channelID string) error {
	now := e.now()
	var opErr error
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil || ct.Session == nil {
			opErr = ErrNoSession
			return false
		}
		if !ct.Session.Paused {
			return false
		}
		ct.Session.Paused = false
		ct.Session.LastTick = now
		return true
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Restart discards any running session and starts over from focus.
func (e *Engine) Restart(ctx context.Context, channelID string) error {
	now := e.now()
	var (
		cfg   state.PomodoroConfig
		parts []string
	)
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil {
			ct = &state.ChannelTimer{Config: state.DefaultPomodoroConfig()}
			d.Channels[channelID] = ct
		}
		cfg = ct.Config
		if ct.Session != nil {
			parts = append([]string(nil), ct.Session.Participants...)
		}
		ct.Session = &state.Session{
			Phase:            state.PhaseFocus,
			RemainingSeconds: cfg.FocusSeconds,
			Participants:     parts,
			LastTick:         now,
		}
		return true
	})
	if err != nil {
		return err
	}
	e.announce(ctx, channelID, state.PhaseFocus, cfg.FocusSeconds, parts)
	return nil
}

// Configure replaces the channel's timer durations. A running session keeps
// its current phase; the new durations apply from the next transition on.
func (e *Engine) Configure(ctx context.Context, channelID string, cfg state.PomodoroConfig) error {
	if cfg.FocusSeconds <= 0 || cfg.ShortBreakSeconds <= 0 || cfg.LongBreakSeconds <= 0 {
		return errors.New("pomodoro: durations must be positive")
	}
	if cfg.CyclesBeforeLong < 1 {
		return errors.New("pomodoro: cycles before long break must be at least 1")
	}
	return e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil {
			ct = &state.ChannelTimer{}
			d.Channels[channelID] = ct
		}
		ct.Config = cfg
		return true
	})
}

// Join adds a user to the session's participant set.
func (e *Engine) Join(ctx context.Context, channelID, userID string) error {
	var opErr error
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil || ct.Session == nil {
			opErr = ErrNoSession
			return false
		}
		for _, p := range ct.Session.Participants {
			if p == userID {
				return false
			}
		}
		ct.Session.Participants = append(ct.Session.Participants, userID)
		return true
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Leave removes a user from the participant set; leaving when not joined is a
// no-op.
func (e *Engine) Leave(ctx context.Context, channelID, userID string) error {
	var opErr error
	err := e.store.Update(func(d *state.Data) bool {
		ct := d.Channels[channelID]
		if ct == nil || ct.Session == nil {
			opErr = ErrNoSession
			return false
		}
		parts := ct.Session.Participants
		for i, p := range parts {
			if p == userID {
				ct.Session.Participants = append(parts[:i], parts[i+1:]...)
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

// Status is a read-side snapshot of one channel's timer.
type Status struct {
	Config           state.PomodoroConfig
	Active           bool
	Phase            state.Phase
	RemainingSeconds int
	CycleCount       int
	Paused           bool
	Participants     []string
}

func (e *Engine) Status(channelID string) Status {
	var st Status
	e.store.View(func(d *state.Data) {
		ct := d.Channels[channelID]
		if ct == nil {
			st.Config = state.DefaultPomodoroConfig()
			return
		}
		st.Config = ct.Config
		s := ct.Session
		if s == nil {
			return
		}
		st.Active = true
		st.Phase = s.Phase
		st.RemainingSeconds = s.RemainingSeconds
		st.CycleCount = s.CycleCount
		st.Paused = s.Paused
		st.Participants = append([]string(nil), s.Participants...)
	})
	return st
}

type transition struct {
	channelID string
	phase     state.Phase
	seconds   int
	parts     []string
	fullCycle bool
}

// Tick advances every active, unpaused session by the wall-clock time elapsed
// since its last stamp. A session performs at most one phase transition per
// tick: overshoot past zero is absorbed into the fresh duration of the next
// phase instead of cascading.
func (e *Engine) Tick(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick(EngineName, started)

	now := e.now()
	var events []transition
	err := e.store.Update(func(d *state.Data) bool {
		changed := false
		for channelID, ct := range d.Channels {
			s := ct.Session
			if s == nil || s.Paused {
				continue
			}
			if s.LastTick.IsZero() {
				s.LastTick = now
				changed = true
				continue
			}
			elapsed := int(now.Sub(s.LastTick) / time.Second)
			if elapsed <= 0 {
				continue
			}
			s.RemainingSeconds -= elapsed
			s.LastTick = now
			changed = true
			if s.RemainingSeconds > 0 {
				continue
			}
			events = append(events, advance(ct, s, channelID))
		}
		return changed
	})
	if err != nil {
		e.log.Warn("tick flush failed", logx.Err(err))
	}
	for _, ev := range events {
		metrics.PhaseTransitions.WithLabelValues(string(ev.phase)).Inc()
		if ev.fullCycle {
			e.send(ctx, ev.channelID, "🎉 Full cycle complete! Ready for another round of focus?", nil)
		}
		e.announce(ctx, ev.channelID, ev.phase, ev.seconds, ev.parts)
	}
}

// advance performs the single phase transition for a session whose remaining
// time ran out. Must be called with the store write lock held.
func advance(ct *state.ChannelTimer, s *state.Session, channelID string) transition {
	cfg := ct.Config
	cycles := cfg.CyclesBeforeLong
	if cycles < 1 {
		cycles = 1
	}
	ev := transition{channelID: channelID, parts: append([]string(nil), s.Participants...)}
	switch s.Phase {
	case state.PhaseFocus:
		s.CycleCount++
		if s.CycleCount%cycles == 0 {
			s.Phase = state.PhaseLongBreak
			s.RemainingSeconds = cfg.LongBreakSeconds
		} else {
			s.Phase = state.PhaseShortBreak
			s.RemainingSeconds = cfg.ShortBreakSeconds
		}
	case state.PhaseShortBreak:
		s.Phase = state.PhaseFocus
		s.RemainingSeconds = cfg.FocusSeconds
	case state.PhaseLongBreak:
		s.Phase = state.PhaseFocus
		s.RemainingSeconds = cfg.FocusSeconds
		ev.fullCycle = true
	}
	ev.phase = s.Phase
	ev.seconds = s.RemainingSeconds
	return ev
}

func phaseLine(phase state.Phase, seconds int) string {
	switch phase {
	case state.PhaseFocus:
		return fmt.Sprintf("🧠 Focus time! %s on the clock.", timeutil.FormatSeconds(seconds))
	case state.PhaseShortBreak:
		return fmt.Sprintf("☕ Short break, %s.", timeutil.FormatSeconds(seconds))
	case state.PhaseLongBreak:
		return fmt.Sprintf("🛌 Long break, %s. You earned it.", timeutil.FormatSeconds(seconds))
	default:
		return fmt.Sprintf("Next phase: %s.", timeutil.FormatSeconds(seconds))
	}
}

// announce posts the phase-entry notification, pinging the participants.
func (e *Engine) announce(ctx context.Context, channelID string, phase state.Phase, seconds int, parts []string) {
	text := phaseLine(phase, seconds)
	var opt *transport.SendOptions
	if len(parts) > 0 {
		prefix := ""
		for _, p := range parts {
			prefix += "<@" + p + "> "
		}
		text = prefix + text
		opt = &transport.SendOptions{MentionUsers: parts}
	}
	e.send(ctx, channelID, text, opt)
}

func (e *Engine) send(ctx context.Context, channelID, text string, opt *transport.SendOptions) {
	_, err := e.adapter.SendChannel(ctx, channelID, text, opt)
	metrics.IncDelivery(EngineName, "channel", err)
	if err != nil {
		e.log.Warn("phase notification failed", logx.String("channel", channelID), logx.Err(err))
	}
}
