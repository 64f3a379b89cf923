package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "focusbot/pkg/logx"
)

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if _, err := s.AddCron("bad", "not a spec", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := s.AddInterval("bad", 0, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
	if _, err := s.AddDaily("bad", "25:00", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid HH:MM")
	}
}

func TestAddDailyBuildsValidSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if _, err := s.AddDaily("summary", "21:30", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
}

func TestIntervalJobRunsAndRetries(t *testing.T) {
	s := New(Config{Workers: 1, RetryMax: 1}, logx.Nop())
	var runs atomic.Int64
	_, err := s.AddInterval("tick", 20*time.Millisecond, time.Second, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want at least 2 (first attempt plus retry)", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOverlapSuppressed(t *testing.T) {
	s := New(Config{Workers: 2}, logx.Nop())
	var concurrent, peak atomic.Int64
	_, err := s.AddInterval("slow", 15*time.Millisecond, 0, func(ctx context.Context) error {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	s.Stop(context.Background())

	if peak.Load() > 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry)
		if d < 0 || d > time.Duration(float64(time.Second)*1.2) {
			t.Fatalf("retry %d delay %v out of bounds", retry, d)
		}
	}
}

func TestHistoryCapped(t *testing.T) {
	s := New(Config{Workers: 1, HistorySize: 5}, logx.Nop())
	done := make(chan struct{})
	var runs atomic.Int64
	_, err := s.AddInterval("busy", 5*time.Millisecond, 0, func(ctx context.Context) error {
		if runs.Add(1) == 10 {
			close(done)
		}
		return nil
	}, TaskOptions{AllowOverlap: true})
	if err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d runs", runs.Load())
	}
	s.Stop(context.Background())

	if h := s.History(); len(h) > 5 {
		t.Fatalf("history = %d items, want <= 5", len(h))
	}
}
