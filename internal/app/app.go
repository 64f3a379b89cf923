// Package app wires the bot together: config, logging, snapshot state,
// optional archive storage, the Discord adapter, the four engines and the
// scheduler that drives their ticks.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"focusbot/internal/config"
	"focusbot/internal/engine/achievement"
	"focusbot/internal/engine/pomodoro"
	"focusbot/internal/engine/reminder"
	"focusbot/internal/engine/routine"
	"focusbot/internal/metrics"
	"focusbot/internal/observability/pprof"
	rtsup "focusbot/internal/runtime/supervisor"
	"focusbot/internal/scheduler"
	"focusbot/internal/state"
	"focusbot/internal/storage"
	"focusbot/internal/transport"
	"focusbot/internal/transport/discord"
	logx "focusbot/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9109"

// confirmEmoji is the reaction on an announcement message that counts as a
// routine confirmation.
const confirmEmoji = "✅"

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   *state.Store
	archive storage.Store
	adapter *discord.Adapter
	sched   *scheduler.Service
	sup     *rtsup.Supervisor

	pomodoro     *pomodoro.Engine
	reminders    *reminder.Engine
	routines     *routine.Engine
	achievements *achievement.Engine

	updates chan transport.Update
	started bool
}

// NewApp loads and validates the config at configPath and constructs every
// component. Nothing touches the network until Start.
func NewApp(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logCfg(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("component", "config")))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	store, err := state.Open(cfg.State.Path, log)
	if err != nil {
		return fail(fmt.Errorf("open state: %w", err))
	}
	if tz := cfg.Timezone; tz != "" {
		if uerr := store.Update(func(d *state.Data) bool {
			if d.Timezones.Default == tz {
				return false
			}
			d.Timezones.Default = tz
			return true
		}); uerr != nil {
			return fail(fmt.Errorf("seed default timezone: %w", uerr))
		}
	}

	var archive storage.Store
	if cfg.Storage != nil {
		busy, perr := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if perr != nil {
			return fail(perr)
		}
		archive, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log)
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
	}

	adapter, err := discord.New(discord.Config{
		Token:             cfg.Discord.Token,
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
		Burst:             cfg.Discord.Burst,
	}, log)
	if err != nil {
		return fail(fmt.Errorf("discord adapter: %w", err))
	}

	iv, err := cfg.Engines.Intervals()
	if err != nil {
		return fail(err)
	}

	ach := achievement.New(store, adapter, log)
	ach.SetArchive(archive)

	rout := routine.New(store, adapter, log)
	rout.SetArchive(archive)
	rout.SetReconciler(ach)
	rout.SetSummaryTime(iv.SummaryAt)

	schedTimeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return fail(err)
	}
	if schedTimeout <= 0 {
		schedTimeout = 30 * time.Second
	}
	schedTZ := cfg.Scheduler.Timezone
	if schedTZ == "" {
		schedTZ = cfg.Timezone
	}
	sched := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		RetryMax:       cfg.Scheduler.RetryMax,
		Timezone:       schedTZ,
	}, log)

	return &App{
		cfgMgr:       mgr,
		logSvc:       logSvc,
		log:          log,
		store:        store,
		archive:      archive,
		adapter:      adapter,
		sched:        sched,
		pomodoro:     pomodoro.New(store, adapter, log),
		reminders:    reminder.New(store, adapter, log),
		routines:     rout,
		achievements: ach,
	}, nil
}

// Accessors for the command/interaction layer.
func (a *App) Pomodoro() *pomodoro.Engine        { return a.pomodoro }
func (a *App) Reminders() *reminder.Engine       { return a.reminders }
func (a *App) Routines() *routine.Engine         { return a.routines }
func (a *App) Achievements() *achievement.Engine { return a.achievements }
func (a *App) Config() *config.Manager           { return a.cfgMgr }
func (a *App) Logger() logx.Logger               { return a.log }

// Start connects the gateway, registers the engine ticks and begins serving.
// The context bounds the app's lifetime; Stop still runs the orderly
// shutdown.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	a.cfgMgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.updates = make(chan transport.Update, 256)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	a.sup.Go0("updates.drain", a.drainUpdates)
	a.sup.Go("config.watch", a.cfgMgr.Watch)
	reloads := a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		a.reloadLoop(ctx, reloads)
	})

	if mc := a.cfgMgr.Get().Metrics; mc.Enabled {
		metrics.MustRegister(prometheus.DefaultRegisterer)
		addr := mc.Addr
		if addr == "" {
			addr = defaultMetricsAddr
		}
		metrics.StartServer(a.sup.Context(), a.log, addr)
	}
	if pc := a.cfgMgr.Get().Pprof; pc.Enabled {
		pprof.StartServer(a.sup.Context(), a.log, pprof.Config{
			Enabled:       true,
			Addr:          pc.Addr,
			AllowInsecure: pc.AllowInsecure,
		})
	}

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.log.Info("focusbot started", logx.String("state", a.store.Path()))
	return nil
}

// registerJobs binds every engine tick to the scheduler. Intervals come from
// the config present at startup; changing them requires a restart.
func (a *App) registerJobs() error {
	iv, err := a.cfgMgr.Get().Engines.Intervals()
	if err != nil {
		return err
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(ctx context.Context)
	}{
		{"pomodoro.tick", iv.Pomodoro, a.pomodoro.Tick},
		{"reminder.tick", iv.Reminder, a.reminders.TickReminders},
		{"habit.tick", iv.Habit, a.reminders.TickHabits},
		{"routine.announce", iv.RoutineAnnounce, a.routines.TickAnnounce},
		{"routine.nudge", iv.RoutineNudge, a.routines.TickNudge},
		{"routine.summary", iv.Summary, a.routines.TickSummary},
		{"achievement.sweep", iv.Achievement, a.achievements.Sweep},
	}
	for _, j := range jobs {
		run := j.run
		if _, err := a.sched.AddInterval(j.name, j.every, 0, func(ctx context.Context) error {
			run(ctx)
			return nil
		}); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return nil
}

// drainUpdates consumes gateway events. Messages are left to the command
// layer; the one inbound path handled here is the confirmation reaction on a
// routine announcement.
func (a *App) drainUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			if up.Kind == transport.UpdateReaction && up.Reaction != nil {
				a.handleReaction(ctx, up.Reaction)
			}
		}
	}
}

// handleReaction confirms a routine when a user reacts with the confirmation
// emoji on one of its announcement messages.
func (a *App) handleReaction(ctx context.Context, rx *transport.Reaction) {
	if rx.Emoji != confirmEmoji || rx.UserID == "" {
		return
	}
	ref := transport.MessageRef{ChannelID: rx.ChannelID, MessageID: rx.MessageID}
	encoded := ref.Encode()

	var routineID int64
	a.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			for _, slots := range r.Announcements {
				for _, ann := range slots {
					if ann != nil && ann.MessageRef == encoded {
						routineID = r.ID
						return
					}
				}
			}
		}
	})
	if routineID == 0 {
		return
	}

	first, err := a.routines.Confirm(ctx, routineID, rx.UserID)
	if err != nil {
		a.log.Warn("reaction confirm failed",
			logx.Int64("routine", routineID), logx.String("user", rx.UserID), logx.Err(err))
		return
	}
	if first {
		if rerr := a.adapter.React(ctx, ref, "💪"); rerr != nil {
			a.log.Debug("confirm ack reaction failed", logx.Err(rerr))
		}
	}
}

// reloadLoop applies hot-reloadable settings from committed config updates.
// Bursts are coalesced: only the newest pending config is applied.
func (a *App) reloadLoop(ctx context.Context, ch chan *config.Config) {
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		var cfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg = <-ch:
		}
	coalesce:
		for {
			select {
			case next := <-ch:
				if next != nil {
					cfg = next
				}
			default:
				break coalesce
			}
		}
		if cfg == nil {
			continue
		}
		a.applyReload(cfg)
	}
}

func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logCfg(cfg.Logging))
	if iv, err := cfg.Engines.Intervals(); err == nil {
		a.routines.SetSummaryTime(iv.SummaryAt)
	}
	if tz := cfg.Timezone; tz != "" {
		if err := a.store.Update(func(d *state.Data) bool {
			if d.Timezones.Default == tz {
				return false
			}
			d.Timezones.Default = tz
			return true
		}); err != nil {
			a.log.Error("apply timezone failed", logx.Err(err))
		}
	}
	a.log.Info("config applied",
		logx.String("log_level", cfg.Logging.Level))
}

// Stop shuts the app down in dependency order. Every phase gets a bounded
// window so one stuck component cannot hang the exit.
func (a *App) Stop() {
	a.log.Info("shutting down")

	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		done := make(chan struct{})
		start := time.Now()
		go func() {
			defer close(done)
			fn(ctx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("step", name), logx.Duration("dur", time.Since(start)))
		case <-ctx.Done():
			a.log.Warn("stop step timed out", logx.String("step", name), logx.Duration("max", max))
		}
	}

	if a.sched != nil {
		step("scheduler", 10*time.Second, a.sched.Stop)
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("workers", 5*time.Second, func(ctx context.Context) {
			_ = a.sup.Stop(ctx)
		})
	}
	if a.adapter != nil {
		step("adapter", 5*time.Second, func(ctx context.Context) {
			if err := a.adapter.Stop(ctx); err != nil {
				a.log.Warn("adapter stop", logx.Err(err))
			}
		})
	}
	if a.store != nil {
		if err := a.store.Save(); err != nil {
			a.log.Error("final state flush failed", logx.Err(err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("archive close", logx.Err(err))
		}
	}
	a.log.Info("shutdown complete")
	_ = a.logSvc.Close()
}

func logCfg(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}
