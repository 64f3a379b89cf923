package stats

import (
	"testing"
	"time"
)

func day(key string, users ...string) (string, map[string]bool) {
	m := map[string]bool{}
	for _, u := range users {
		m[u] = true
	}
	return key, m
}

func confirmations(days ...func(map[string]map[string]bool)) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for _, apply := range days {
		apply(out)
	}
	return out
}

func on(key string, users ...string) func(map[string]map[string]bool) {
	return func(out map[string]map[string]bool) {
		k, m := day(key, users...)
		out[k] = m
	}
}

func TestWindowStreakRuns(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := confirmations(
		on("2026-03-05", "u1"),
		on("2026-03-06", "u1", "u2"),
		on("2026-03-07", "u1"),
		// u1 skips the 8th, breaking the run.
		on("2026-03-09", "u1", "u2"),
		on("2026-03-10", "u1"),
	)

	agg := Window(c, now, time.UTC)

	u1 := agg["u1"]
	if u1.Total != 5 {
		t.Fatalf("u1 total = %d, want 5", u1.Total)
	}
	if u1.Streak != 2 {
		t.Fatalf("u1 streak = %d, want 2 (gap resets the run)", u1.Streak)
	}

	u2 := agg["u2"]
	if u2.Total != 2 || u2.Streak != 1 {
		t.Fatalf("u2 = %+v, want total 2 streak 1", u2)
	}
}

func TestWindowExcludesOldDays(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := confirmations(
		on("2026-01-15", "u1"), // well outside the 30-day window
		on("2026-03-10", "u1"),
	)
	agg := Window(c, now, time.UTC)
	if got := agg["u1"].Total; got != 1 {
		t.Fatalf("total = %d, want 1 (old day must not count)", got)
	}
}

func TestWindowIgnoresMalformedDayKeys(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := confirmations(
		on("not-a-day", "u1"),
		on("2026-03-10", "u1"),
	)
	agg := Window(c, now, time.UTC)
	if got := agg["u1"].Total; got != 1 {
		t.Fatalf("total = %d, want 1", got)
	}
}

func TestLeaderboardOrder(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := confirmations(
		on("2026-03-08", "a", "b"),
		on("2026-03-09", "a", "b", "c"),
		on("2026-03-10", "a", "c"),
	)
	// a: total 3 streak 3. b and c both end on total 2 streak 2, so the id
	// tie-break orders them ascending.
	got := Leaderboard(c, now, time.UTC)
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	if got[0].UserID != "a" || got[1].UserID != "b" || got[2].UserID != "c" {
		t.Fatalf("order = %s,%s,%s want a,b,c", got[0].UserID, got[1].UserID, got[2].UserID)
	}
}

func TestStreakEndingToday(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	c := confirmations(
		on("2026-03-07", "u1"),
		on("2026-03-09", "u1"),
		on("2026-03-10", "u1"),
	)
	if got := StreakEndingToday(c, "u1", now, time.UTC); got != 2 {
		t.Fatalf("streak = %d, want 2", got)
	}
	if got := StreakEndingToday(c, "u2", now, time.UTC); got != 0 {
		t.Fatalf("unconfirmed user streak = %d, want 0", got)
	}

	// Not confirmed today: streak ending today is zero even with history.
	later := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if got := StreakEndingToday(c, "u1", later, time.UTC); got != 0 {
		t.Fatalf("streak after missed day = %d, want 0", got)
	}
}

func TestRankMonthly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := confirmations(
		on("2026-02-28", "a"), // previous month, excluded
		on("2026-03-08", "a", "b"),
		on("2026-03-09", "a", "b"),
		on("2026-03-10", "b"),
	)
	got := RankMonthly(c, "2026-03", now, time.UTC)
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].UserID != "b" || got[0].Count != 3 {
		t.Fatalf("winner = %+v, want b with 3", got[0])
	}
	if got[1].UserID != "a" || got[1].Count != 2 {
		t.Fatalf("runner-up = %+v, want a with 2", got[1])
	}
}

func TestRankMonthlyTieBreaks(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	// Equal counts; "b" confirmed today and yesterday so holds the streak.
	c := confirmations(
		on("2026-03-08", "a"),
		on("2026-03-09", "a", "b"),
		on("2026-03-10", "b"),
	)
	got := RankMonthly(c, "2026-03", now, time.UTC)
	if got[0].UserID != "b" {
		t.Fatalf("tie should fall to current streak, got %+v", got)
	}

	// Fully tied users order by id descending.
	c2 := confirmations(on("2026-03-10", "x", "y"))
	got2 := RankMonthly(c2, "2026-03", now, time.UTC)
	if got2[0].UserID != "y" || got2[1].UserID != "x" {
		t.Fatalf("full tie order = %s,%s want y,x", got2[0].UserID, got2[1].UserID)
	}
}
