package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logx "focusbot/pkg/logx"
)

// ErrNotFound is returned by operations that reference a missing entity.
var ErrNotFound = errors.New("not found")

// Store owns the durable snapshot.
//
// Access discipline (this replaces the looser last-writer-wins scheme of the
// original data layer, see DESIGN.md): all mutations run inside Update()
// under a write lock and flush to disk when the closure reports a change;
// reads run inside View() under a read lock. The physical write is further
// serialized by its own mutex so a slow disk never blocks readers.
type Store struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex // guards data
	wrMu sync.Mutex   // serializes physical writes
	data *Data
}

func defaultData() *Data {
	return &Data{
		Version:   SchemaVersion,
		Channels:  map[string]*ChannelTimer{},
		Reminders: []*Reminder{},
		Habits:    []*Habit{},
		Routines:  []*Routine{},
		Delivery:  map[string]*DeliveryStatus{},
		Timezones: TimezoneSettings{
			Default: "UTC",
			Guilds:  map[string]string{},
			Users:   map[string]string{},
		},
		Summaries: map[string]string{},
		NextIDs: map[string]int64{
			"reminder": 1,
			"habit":    1,
			"routine":  1,
		},
	}
}

// Open loads the snapshot at path, creating and persisting defaults when the
// file does not exist yet. A corrupt snapshot is an error: silently starting
// empty would orphan every timer and streak.
func Open(path string, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log, data: defaultData()}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.Save(); err != nil {
			return nil, fmt.Errorf("init snapshot: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var loaded Data
	if err := json.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	mergeDefaults(&loaded)
	s.data = &loaded
	return s, nil
}

// mergeDefaults backfills sections a snapshot from an older build may lack.
// The merge is additive only: present data is never touched.
func mergeDefaults(d *Data) {
	def := defaultData()
	if d.Version <= 0 {
		d.Version = def.Version
	}
	if d.Channels == nil {
		d.Channels = def.Channels
	}
	if d.Reminders == nil {
		d.Reminders = def.Reminders
	}
	if d.Habits == nil {
		d.Habits = def.Habits
	}
	if d.Routines == nil {
		d.Routines = def.Routines
	}
	if d.Delivery == nil {
		d.Delivery = def.Delivery
	}
	if d.Timezones.Default == "" {
		d.Timezones.Default = def.Timezones.Default
	}
	if d.Timezones.Guilds == nil {
		d.Timezones.Guilds = map[string]string{}
	}
	if d.Timezones.Users == nil {
		d.Timezones.Users = map[string]string{}
	}
	if d.Summaries == nil {
		d.Summaries = def.Summaries
	}
	if d.NextIDs == nil {
		d.NextIDs = map[string]int64{}
	}
	for k, v := range def.NextIDs {
		if d.NextIDs[k] <= 0 {
			d.NextIDs[k] = v
		}
	}
	for _, r := range d.Routines {
		if r.Announcements == nil {
			r.Announcements = map[string]map[string]*Announcement{}
		}
		if r.Confirmations == nil {
			r.Confirmations = map[string]map[string]bool{}
		}
		if r.Enrollments == nil {
			r.Enrollments = map[string]*Enrollment{}
		}
	}
	for _, h := range d.Habits {
		if h.Progress == nil {
			h.Progress = map[string]int{}
		}
	}
}

// View runs fn with a read lock on the snapshot. fn must not retain or
// mutate anything it sees.
func (s *Store) View(fn func(*Data)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// Update runs fn with the write lock held. When fn reports a change the
// snapshot is flushed; a flush failure is logged and returned but leaves the
// in-memory state authoritative (the next successful flush catches up).
func (s *Store) Update(fn func(*Data) bool) error {
	s.mu.Lock()
	changed := fn(s.data)
	var encoded []byte
	var encErr error
	if changed {
		encoded, encErr = json.MarshalIndent(s.data, "", "  ")
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if encErr != nil {
		s.log.Error("snapshot encode failed", logx.Err(encErr))
		return encErr
	}
	if err := s.writeFile(encoded); err != nil {
		s.log.Error("snapshot flush failed; in-memory state remains authoritative", logx.Err(err))
		return err
	}
	return nil
}

// Save flushes the current snapshot unconditionally.
func (s *Store) Save() error {
	s.mu.RLock()
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.writeFile(encoded)
}

// writeFile performs the crash-safe replace: full write to a temp path, then
// rename over the real one. A crash mid-write leaves the previous snapshot
// intact.
func (s *Store) writeFile(b []byte) error {
	s.wrMu.Lock()
	defer s.wrMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Path returns the snapshot location (for diagnostics).
func (s *Store) Path() string { return s.path }
