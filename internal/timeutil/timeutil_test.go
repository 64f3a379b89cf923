package timeutil

import (
	"testing"
	"time"
)

func TestParseHHMMVariants(t *testing.T) {
	t.Parallel()
	h, m, err := ParseHHMM("23:15")
	if err != nil {
		t.Fatalf("ParseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, bad := range []string{"24:00", "12:60", "noon", "12", "-1:30"} {
		if _, _, err := ParseHHMM(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestInWindowWrapsMidnight(t *testing.T) {
	t.Parallel()
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+hhmm)
		if err != nil {
			t.Fatalf("bad test time: %v", err)
		}
		return tm
	}

	tests := []struct {
		name       string
		start, end string
		clock      string
		want       bool
	}{
		{name: "wrap late", start: "22:00", end: "06:00", clock: "23:30", want: true},
		{name: "wrap early", start: "22:00", end: "06:00", clock: "05:30", want: true},
		{name: "wrap outside", start: "22:00", end: "06:00", clock: "12:00", want: false},
		{name: "plain inside", start: "08:00", end: "18:00", clock: "12:00", want: true},
		{name: "plain boundary", start: "08:00", end: "18:00", clock: "18:00", want: true},
		{name: "plain outside", start: "08:00", end: "18:00", clock: "19:00", want: false},
		{name: "missing bound", start: "", end: "18:00", clock: "23:00", want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(at(tt.clock), time.UTC, tt.start, tt.end); got != tt.want {
				t.Fatalf("InWindow(%s, %s-%s) = %v, want %v", tt.clock, tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestParseWhen(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	got, err := ParseWhen("+45m", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseWhen(+45m): %v", err)
	}
	if want := now.Add(45 * time.Minute); !got.Equal(want) {
		t.Fatalf("ParseWhen(+45m) = %v, want %v", got, want)
	}

	// Earlier HH:MM rolls to tomorrow.
	got, err = ParseWhen("09:00", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseWhen(09:00): %v", err)
	}
	if want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("ParseWhen(09:00) = %v, want %v", got, want)
	}

	// Later HH:MM stays today.
	got, err = ParseWhen("20:00", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseWhen(20:00): %v", err)
	}
	if want := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("ParseWhen(20:00) = %v, want %v", got, want)
	}

	got, err = ParseWhen("2026-04-01 08:15", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseWhen(absolute): %v", err)
	}
	if want := time.Date(2026, 4, 1, 8, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("ParseWhen(absolute) = %v, want %v", got, want)
	}

	for _, bad := range []string{"", "+x5m", "+5w", "yesterday"} {
		if _, err := ParseWhen(bad, now, time.UTC); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDayKeyUsesLocation(t *testing.T) {
	t.Parallel()
	// 01:30 UTC on the 10th is still the 9th in UTC-5.
	at := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	if got := DayKey(at, time.UTC); got != "2026-03-10" {
		t.Fatalf("DayKey UTC = %s", got)
	}
	lima := time.FixedZone("UTC-5", -5*3600)
	if got := DayKey(at, lima); got != "2026-03-09" {
		t.Fatalf("DayKey UTC-5 = %s", got)
	}
}

func TestHHMMListFromCSV(t *testing.T) {
	t.Parallel()
	got, err := HHMMListFromCSV("8:5, 20:00")
	if err != nil {
		t.Fatalf("HHMMListFromCSV: %v", err)
	}
	if len(got) != 2 || got[0] != "08:05" || got[1] != "20:00" {
		t.Fatalf("unexpected list: %v", got)
	}
	if _, err := HHMMListFromCSV("20:00,25:00"); err == nil {
		t.Fatal("expected error for invalid entry")
	}
}

func TestFormatSeconds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   int
		want string
	}{
		{0, "0s"},
		{-5, "0s"},
		{45, "45s"},
		{300, "5m"},
		{3900, "1h 5m"},
		{3661, "1h 1m"},
	}
	for _, tt := range tests {
		if got := FormatSeconds(tt.in); got != tt.want {
			t.Fatalf("FormatSeconds(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadLocationFallback(t *testing.T) {
	t.Parallel()
	if LoadLocation("") != time.UTC {
		t.Fatal("empty name should resolve to UTC")
	}
	if LoadLocation("Not/AZone") != time.UTC {
		t.Fatal("unknown name should resolve to UTC")
	}
	if LoadLocation("America/Sao_Paulo") == time.UTC {
		t.Skip("tzdata not available in build environment")
	}
}
