package state

import "time"

// SchemaVersion is bumped when the snapshot layout changes in a way that
// mergeDefaults cannot paper over. Loads only ever migrate forward.
const SchemaVersion = 1

// Data is the root aggregate of the durable snapshot. All engines share one
// live instance owned by Store; see Store.View/Store.Update for the access
// discipline.
type Data struct {
	Version int `json:"version"`

	Channels  map[string]*ChannelTimer `json:"channels"`
	Reminders []*Reminder              `json:"reminders"`
	Habits    []*Habit                 `json:"habits"`
	Routines  []*Routine               `json:"routines"`

	// Delivery tracks platform-side DM refusal per user id.
	Delivery map[string]*DeliveryStatus `json:"delivery"`

	Timezones TimezoneSettings `json:"timezones"`

	// Summaries maps user id to the last local day key a daily summary was
	// sent for. Guards the one-summary-per-user-per-day invariant.
	Summaries map[string]string `json:"summaries"`

	NextIDs map[string]int64 `json:"next_ids"`
}

// Phase of a pomodoro session.
type Phase string

const (
	PhaseFocus      Phase = "focus"
	PhaseShortBreak Phase = "short_break"
	PhaseLongBreak  Phase = "long_break"
)

// ChannelTimer holds the pomodoro configuration and the optional live session
// of one channel. Config survives session teardown.
type ChannelTimer struct {
	Config  PomodoroConfig `json:"config"`
	Session *Session       `json:"session,omitempty"`
}

type PomodoroConfig struct {
	FocusSeconds      int `json:"focus_seconds"`
	ShortBreakSeconds int `json:"short_break_seconds"`
	LongBreakSeconds  int `json:"long_break_seconds"`
	CyclesBeforeLong  int `json:"cycles_before_long"`
}

func DefaultPomodoroConfig() PomodoroConfig {
	return PomodoroConfig{
		FocusSeconds:      1500,
		ShortBreakSeconds: 300,
		LongBreakSeconds:  900,
		CyclesBeforeLong:  4,
	}
}

type Session struct {
	Phase            Phase     `json:"phase"`
	RemainingSeconds int       `json:"remaining_seconds"`
	CycleCount       int       `json:"cycle_count"`
	Participants     []string  `json:"participants,omitempty"`
	Paused           bool      `json:"paused"`
	LastTick         time.Time `json:"last_tick"`
	MessageRef       string    `json:"message_ref,omitempty"`
}

// Reminder is a one-shot DM. Cancellation marks it delivered instead of
// removing it, so ids stay stable and history survives.
type Reminder struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	FireAt    time.Time `json:"fire_at"`
	Text      string    `json:"text"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

// Habit is a personal recurring nudge with a daily goal.
type Habit struct {
	ID              int64          `json:"id"`
	Owner           string         `json:"owner"`
	Guild           string         `json:"guild,omitempty"`
	Channel         string         `json:"channel"`
	Name            string         `json:"name"`
	GoalPerDay      int            `json:"goal_per_day"`
	IntervalMinutes int            `json:"interval_minutes"`
	Emoji           string         `json:"emoji"`
	Active          bool           `json:"active"`
	NextDueAt       time.Time      `json:"next_due_at"`
	LastPromptRef   string         `json:"last_prompt_ref,omitempty"`
	Progress        map[string]int `json:"progress"` // local day key -> count
}

// Window is a local wall-clock range; Start > End wraps midnight.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Enrollment is one user's participation in a routine.
type Enrollment struct {
	DMEnabled       bool      `json:"dm_enabled"`
	IntervalMinutes int       `json:"interval_minutes"`
	Quiet           Window    `json:"quiet"`
	NextDueAt       time.Time `json:"next_due_at"`
	SnoozeUntil     time.Time `json:"snooze_until,omitempty"`
}

// Announcement records one published routine announcement for a (day, slot).
type Announcement struct {
	MessageRef string    `json:"message_ref"`
	SentAt     time.Time `json:"sent_at"`
}

type StreakRole struct {
	ThresholdDays int    `json:"threshold_days"`
	Role          string `json:"role"`
}

type MonthlyTop struct {
	Role string `json:"role,omitempty"`
	// Winner is the user currently holding the monthly role, if any.
	Winner string `json:"winner,omitempty"`
	// Month is the last month key the engine evaluated, set even when there
	// was no winner.
	Month string `json:"month,omitempty"`
}

type Achievements struct {
	StreakRoles []StreakRole `json:"streak_roles"`
	MonthlyTop  MonthlyTop   `json:"monthly_top"`
}

// Routine is a shared recurring habit with scheduled announcement slots,
// per-user enrollment and achievement configuration.
type Routine struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji"`
	Guild       string `json:"guild,omitempty"`
	Channel     string `json:"channel"`
	MentionRole string `json:"mention_role,omitempty"`
	// Times are normalized HH:MM slots, in announcement order.
	Times  []string `json:"times"`
	Active bool     `json:"active"`

	// Announcements: day key -> slot (HH:MM) -> record. A slot is announced
	// at most once per day.
	Announcements map[string]map[string]*Announcement `json:"announcements"`
	// Confirmations: day key -> user id -> true. Once set, never cleared by
	// the engines.
	Confirmations map[string]map[string]bool `json:"confirmations"`
	Enrollments   map[string]*Enrollment     `json:"enrollments"`
	Achievements  Achievements               `json:"achievements"`
}

// NoticeLog rate-limits the public "could not DM user" notice per channel.
type NoticeLog struct {
	LastNotifiedAt time.Time `json:"last_notified_at"`
	Count          int       `json:"count"`
	Day            string    `json:"day"`
}

// DeliveryStatus tracks a user whose direct messages are refused by the
// platform, so engines back off instead of retrying every tick.
type DeliveryStatus struct {
	Blocked    bool                  `json:"blocked"`
	RetryAfter time.Time             `json:"retry_after,omitempty"`
	Notices    map[string]*NoticeLog `json:"notices,omitempty"` // channel id -> log
}

// TimezoneSettings resolve a timezone name with user > guild > default
// precedence.
type TimezoneSettings struct {
	Default string            `json:"default"`
	Guilds  map[string]string `json:"guilds"`
	Users   map[string]string `json:"users"`
}

// Resolve returns the effective timezone name for a user acting in a guild.
// Either id may be empty.
func (t TimezoneSettings) Resolve(userID, guildID string) string {
	if userID != "" {
		if tz, ok := t.Users[userID]; ok && tz != "" {
			return tz
		}
	}
	if guildID != "" {
		if tz, ok := t.Guilds[guildID]; ok && tz != "" {
			return tz
		}
	}
	return t.Default
}

// NextID hands out the next monotonic id for an entity kind.
func (d *Data) NextID(kind string) int64 {
	if d.NextIDs == nil {
		d.NextIDs = map[string]int64{}
	}
	id := d.NextIDs[kind]
	if id <= 0 {
		id = 1
	}
	d.NextIDs[kind] = id + 1
	return id
}

// RoutineByID returns the routine with the given id, or nil.
func (d *Data) RoutineByID(id int64) *Routine {
	for _, r := range d.Routines {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// HabitByID returns the habit with the given id owned by owner, or nil.
func (d *Data) HabitByID(owner string, id int64) *Habit {
	for _, h := range d.Habits {
		if h.ID == id && h.Owner == owner {
			return h
		}
	}
	return nil
}

// DeliveryFor returns (allocating if needed) the delivery status of a user.
func (d *Data) DeliveryFor(userID string) *DeliveryStatus {
	if d.Delivery == nil {
		d.Delivery = map[string]*DeliveryStatus{}
	}
	ds := d.Delivery[userID]
	if ds == nil {
		ds = &DeliveryStatus{}
		d.Delivery[userID] = ds
	}
	return ds
}

// Confirmed reports whether user confirmed the routine on day.
func (r *Routine) Confirmed(day, userID string) bool {
	if r.Confirmations == nil {
		return false
	}
	return r.Confirmations[day][userID]
}

// SetConfirmed records a confirmation. Returns false when it was already set.
func (r *Routine) SetConfirmed(day, userID string) bool {
	if r.Confirmations == nil {
		r.Confirmations = map[string]map[string]bool{}
	}
	users := r.Confirmations[day]
	if users == nil {
		users = map[string]bool{}
		r.Confirmations[day] = users
	}
	if users[userID] {
		return false
	}
	users[userID] = true
	return true
}

// AnnouncementFor returns the announcement for (day, slot), or nil.
func (r *Routine) AnnouncementFor(day, slot string) *Announcement {
	if r.Announcements == nil {
		return nil
	}
	return r.Announcements[day][slot]
}

// SetAnnouncement records the announcement for (day, slot); at most one per
// slot per day.
func (r *Routine) SetAnnouncement(day, slot string, a *Announcement) {
	if r.Announcements == nil {
		r.Announcements = map[string]map[string]*Announcement{}
	}
	slots := r.Announcements[day]
	if slots == nil {
		slots = map[string]*Announcement{}
		r.Announcements[day] = slots
	}
	slots[slot] = a
}
