package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an engine-side action with an external effect.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	Engine  string // "pomodoro", "reminder", "habit", "routine", "achievement"
	Action  string // "role.grant", "role.revoke", "announce", "dm", ...
	Guild   string
	Channel string
	User    string
	Target  string // role id, routine id, message ref
	Error   string
	TookMS  int64
	Meta    string // optional JSON blob
}
