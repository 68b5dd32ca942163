package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewRejectsInvalidCron(t *testing.T) {
	if _, err := New("settle", "every minute", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestNext(t *testing.T) {
	s, err := New("settle", "*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tests := []struct {
		from, want time.Time
	}{
		{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 12, 3, 30, 0, time.UTC), time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 23, 58, 0, 0, time.UTC), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := s.Next(tt.from)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestRunTicksUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s, err := New("settle", "* * * * *", func(context.Context) error {
		if runs.Add(1) == 2 {
			return errors.New("store unavailable")
		}
		if runs.Load() >= 3 {
			cancel()
		}
		return nil
	}, WithLogger(quiet))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var waits []time.Duration
	s.now = func() time.Time { return base }
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- base.Add(d)
		return ch
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	if runs.Load() < 3 {
		t.Errorf("expected job errors not to stop the loop, runs=%d", runs.Load())
	}
	for _, w := range waits {
		if w != time.Minute {
			t.Errorf("expected one-minute waits, got %v", w)
		}
	}
}
