// Package stats computes leaderboard and streak figures from a routine's
// confirmation history. Everything here is a pure function over the
// confirmations map (day key -> user id -> confirmed); both the achievement
// engine and the read-only leaderboard queries use the same math.
package stats

import (
	"sort"
	"time"

	"focusbot/internal/timeutil"
)

// WindowDays is the trailing aggregation window for leaderboards.
const WindowDays = 30

// UserStats is one user's trailing-window aggregate.
type UserStats struct {
	// Total confirmations inside the window.
	Total int
	// Streak is the length of the latest run of consecutive days inside the
	// window. A gap resets it to 1 on the next confirmed day; duplicate or
	// out-of-order day entries never grow it.
	Streak int
}

// Entry is a leaderboard row.
type Entry struct {
	UserID string
	UserStats
}

// Window aggregates per-user stats over the trailing WindowDays ending at now.
func Window(confirmations map[string]map[string]bool, now time.Time, loc *time.Location) map[string]UserStats {
	if loc == nil {
		loc = time.UTC
	}
	cutoff := now.In(loc).AddDate(0, 0, -(WindowDays - 1))
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	days := make([]string, 0, len(confirmations))
	for day := range confirmations {
		days = append(days, day)
	}
	sort.Strings(days)

	type run struct {
		stats   UserStats
		lastDay time.Time
	}
	perUser := map[string]*run{}

	for _, day := range days {
		date, err := timeutil.ParseDayKey(day, loc)
		if err != nil || date.Before(cutoffDay) {
			continue
		}
		for userID, confirmed := range confirmations[day] {
			if !confirmed {
				continue
			}
			r := perUser[userID]
			if r == nil {
				r = &run{}
				perUser[userID] = r
			}
			r.stats.Total++
			switch {
			case r.lastDay.IsZero():
				r.stats.Streak = 1
			case date.Equal(r.lastDay.AddDate(0, 0, 1)):
				r.stats.Streak++
			case date.Equal(r.lastDay):
				// Same-day duplicate: keep the streak, never grow it.
			default:
				r.stats.Streak = 1
			}
			r.lastDay = date
		}
	}

	out := make(map[string]UserStats, len(perUser))
	for userID, r := range perUser {
		out[userID] = r.stats
	}
	return out
}

// Leaderboard returns Window results sorted for display: streak desc, then
// total desc, then user id asc for a stable order.
func Leaderboard(confirmations map[string]map[string]bool, now time.Time, loc *time.Location) []Entry {
	agg := Window(confirmations, now, loc)
	out := make([]Entry, 0, len(agg))
	for userID, st := range agg {
		out = append(out, Entry{UserID: userID, UserStats: st})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Streak != out[j].Streak {
			return out[i].Streak > out[j].Streak
		}
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// StreakEndingToday is the consecutive-day confirmation count ending at
// now's local day: it walks backward from today while days are confirmed.
func StreakEndingToday(confirmations map[string]map[string]bool, userID string, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	day := now.In(loc)
	streak := 0
	for {
		key := timeutil.DayKey(day, loc)
		if !confirmations[key][userID] {
			return streak
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
}

// MonthlyCounts totals confirmations per user for one month key ("2006-01").
func MonthlyCounts(confirmations map[string]map[string]bool, monthKey string) map[string]int {
	counts := map[string]int{}
	for day, users := range confirmations {
		if len(day) < len(monthKey) || day[:len(monthKey)] != monthKey {
			continue
		}
		for userID, confirmed := range users {
			if confirmed {
				counts[userID]++
			}
		}
	}
	return counts
}

// Ranked is one row of the monthly ranking.
type Ranked struct {
	UserID string
	Count  int
	Streak int
}

// RankMonthly orders the month's confirmers by (count desc, current streak
// desc, user id desc). The id tie-break only exists to make the order total
// and deterministic.
func RankMonthly(confirmations map[string]map[string]bool, monthKey string, now time.Time, loc *time.Location) []Ranked {
	counts := MonthlyCounts(confirmations, monthKey)
	out := make([]Ranked, 0, len(counts))
	for userID, count := range counts {
		out = append(out, Ranked{
			UserID: userID,
			Count:  count,
			Streak: StreakEndingToday(confirmations, userID, now, loc),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Streak != out[j].Streak {
			return out[i].Streak > out[j].Streak
		}
		return out[i].UserID > out[j].UserID
	})
	return out
}
