package config

import "time"

type Config struct {
	Discord DiscordConfig `json:"discord"`
	Logging LoggingConfig `json:"logging"`

	// Timezone is the fallback when neither the user nor the guild has one
	// configured.
	Timezone string `json:"timezone,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Engines   EnginesConfig   `json:"engines"`

	State   StateConfig    `json:"state"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// RequestsPerSecond throttles outbound REST calls. Zero keeps the default.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the shared task runner.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// EnginesConfig tunes the delivery loops. Omitted fields fall back to the
// defaults in Intervals().
type EnginesConfig struct {
	PomodoroTick    string `json:"pomodoro_tick,omitempty"`
	ReminderTick    string `json:"reminder_tick,omitempty"`
	HabitTick       string `json:"habit_tick,omitempty"`
	RoutineAnnounce string `json:"routine_announce,omitempty"`
	RoutineNudge    string `json:"routine_nudge,omitempty"`
	SummaryTick     string `json:"summary_tick,omitempty"`
	AchievementTick string `json:"achievement_tick,omitempty"`

	// SummaryAt is the local wall-clock time (HH:MM) after which the daily
	// summary may be sent to each user.
	SummaryAt string `json:"summary_at,omitempty"`
}

// Intervals resolves the engine tick durations.
func (e EnginesConfig) Intervals() (EngineIntervals, error) {
	out := EngineIntervals{SummaryAt: e.SummaryAt}
	if out.SummaryAt == "" {
		out.SummaryAt = "21:30"
	}
	var err error
	if out.Pomodoro, err = ParseDurationOrDefault("engines.pomodoro_tick", e.PomodoroTick, 5*time.Second); err != nil {
		return out, err
	}
	if out.Reminder, err = ParseDurationOrDefault("engines.reminder_tick", e.ReminderTick, 30*time.Second); err != nil {
		return out, err
	}
	if out.Habit, err = ParseDurationOrDefault("engines.habit_tick", e.HabitTick, 30*time.Second); err != nil {
		return out, err
	}
	if out.RoutineAnnounce, err = ParseDurationOrDefault("engines.routine_announce", e.RoutineAnnounce, 30*time.Second); err != nil {
		return out, err
	}
	if out.RoutineNudge, err = ParseDurationOrDefault("engines.routine_nudge", e.RoutineNudge, time.Minute); err != nil {
		return out, err
	}
	if out.Summary, err = ParseDurationOrDefault("engines.summary_tick", e.SummaryTick, 15*time.Minute); err != nil {
		return out, err
	}
	if out.Achievement, err = ParseDurationOrDefault("engines.achievement_tick", e.AchievementTick, time.Hour); err != nil {
		return out, err
	}
	return out, nil
}

type EngineIntervals struct {
	Pomodoro        time.Duration
	Reminder        time.Duration
	Habit           time.Duration
	RoutineAnnounce time.Duration
	RoutineNudge    time.Duration
	Summary         time.Duration
	Achievement     time.Duration
	SummaryAt       string
}

type StateConfig struct {
	// Path of the JSON state snapshot.
	Path string `json:"path"`
}

// StorageConfig controls the optional audit/dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./focusbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9109"
}

// PprofConfig controls the profiling endpoints. Non-loopback binds are
// refused unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
