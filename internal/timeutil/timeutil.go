package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DayKey returns the calendar-day key ("2006-01-02") of t in loc.
// Day keys are always computed in the owner's resolved location so that
// goal tracking and streaks roll over at local midnight, not UTC midnight.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// MonthKey returns the calendar-month key ("2006-01") of t in loc.
func MonthKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01")
}

// ParseDayKey parses a DayKey back into a date (midnight in loc).
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02", key, loc)
}

// ParseHHMM parses a wall-clock "HH:MM" value.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// NormalizeHHMM reformats a valid HH:MM string with zero padding ("8:5" -> "08:05").
func NormalizeHHMM(s string) (string, error) {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// HHMMListFromCSV parses a comma separated list of HH:MM values, normalizing each.
func HHMMListFromCSV(csv string) ([]string, error) {
	var out []string
	for _, chunk := range strings.Split(csv, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		v, err := NormalizeHHMM(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no times in %q", csv)
	}
	return out, nil
}

// InWindow reports whether t (interpreted in loc) falls inside the local
// wall-clock window [start, end]. A window whose start is later than its end
// wraps midnight: {22:00, 06:00} contains 23:30 and 05:30 but not 12:00.
// A missing or malformed bound disables the window (always inside).
func InWindow(t time.Time, loc *time.Location, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return true
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return true
	}
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	now := lt.Hour()*60 + lt.Minute()
	startMin := sh*60 + sm
	endMin := eh*60 + em
	if startMin <= endMin {
		return startMin <= now && now <= endMin
	}
	return now >= startMin || now <= endMin
}

// ParseWhen parses a user-supplied point in time:
//
//   - "+45m", "+2h", "+1d"      relative to now
//   - "HH:MM"                   next local occurrence (today or tomorrow)
//   - "2006-01-02 15:04"        absolute, in loc
func ParseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	if strings.HasPrefix(s, "+") && len(s) >= 3 {
		amount, err := strconv.Atoi(s[1 : len(s)-1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time %q", s)
		}
		switch s[len(s)-1] {
		case 'm', 'M':
			return now.Add(time.Duration(amount) * time.Minute), nil
		case 'h', 'H':
			return now.Add(time.Duration(amount) * time.Hour), nil
		case 'd', 'D':
			return now.Add(time.Duration(amount) * 24 * time.Hour), nil
		default:
			return time.Time{}, fmt.Errorf("invalid relative suffix in %q", s)
		}
	}
	if h, m, err := ParseHHMM(s); err == nil {
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if at.Before(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return at, nil
}

// FormatSeconds renders a second count as a compact human duration ("1h 5m", "45s").
func FormatSeconds(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	minutes, secs := seconds/60, seconds%60
	hours, minutes := minutes/60, minutes%60
	var parts []string
	if hours > 0 {
		parts = append(parts, strconv.Itoa(hours)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(minutes)+"m")
	}
	if secs > 0 && hours == 0 {
		parts = append(parts, strconv.Itoa(secs)+"s")
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

var (
	locMu    sync.Mutex
	locCache = map[string]*time.Location{}
)

// LoadLocation resolves an IANA timezone name, caching lookups.
// Empty or unknown names fall back to UTC so a bad override can never
// stall an engine tick.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC
	}
	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locCache[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	locCache[name] = loc
	return loc
}
