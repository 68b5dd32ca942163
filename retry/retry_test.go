package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	var calls, notified int
	p := fastPolicy(5)
	p.OnRetry = func(int, error, time.Duration) { notified++ }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 || notified != 2 {
		t.Errorf("calls=%d notified=%d, want 3 and 2", calls, notified)
	}
}

func TestDoExhausted(t *testing.T) {
	cause := errors.New("down")
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrExhausted wrapping cause, got %v", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Attempts != 3 || calls != 3 {
		t.Errorf("attempts=%v calls=%d, want 3", rerr, calls)
	}
}

func TestDoPermanent(t *testing.T) {
	cause := errors.New("bad dsn")
	var calls int
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrPermanent wrapping cause, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, calls=%d", calls)
	}
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(3), func(context.Context) error {
		t.Fatal("fn must not run with a done context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	p := Policy{Attempts: 3, Initial: time.Hour}
	err = Do(ctx, p, func(context.Context) error {
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestValue(t *testing.T) {
	var calls int
	v, err := Value(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", errors.New("timeout")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("Value = %q, %v", v, err)
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
