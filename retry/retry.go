// Package retry retries transient failures with capped exponential backoff.
//
// bookmaild uses it to wait for its store and Redis at startup:
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//		return svc.Connect(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior. Zero fields take the DefaultPolicy value.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int

	// Initial is the delay before the second call.
	Initial time.Duration

	// Max caps each delay.
	Max time.Duration

	// Multiplier grows the delay after each failed call.
	Multiplier float64

	// Jitter spreads each delay by up to +/- this fraction (0 to 1).
	Jitter float64

	// Retryable reports whether err is worth another call.
	// Defaults to retrying everything not marked with Permanent.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns a Policy suited to waiting for a backend to come up.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   5,
		Initial:    200 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Sentinel errors.
var (
	// ErrExhausted means every attempt failed with a retryable error.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrPermanent means a call failed with an error not worth retrying.
	ErrPermanent = errors.New("retry: permanent error")

	// ErrCanceled means the context ended between attempts.
	ErrCanceled = errors.New("retry: canceled")
)

// Error describes a failed Do.
type Error struct {
	// Reason is ErrExhausted, ErrPermanent, or ErrCanceled.
	Reason error
	// Attempts is the number of calls made.
	Attempts int
	// Last is the error from the final call.
	Last error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Last)
}

// Unwrap exposes both the reason and the last error to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{e.Reason, e.Last}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = func(err error) bool { return !IsPermanent(err) }
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based), before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	wait := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		wait *= p.Multiplier
		if wait >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(wait)
}

func (p Policy) jittered(attempt int) time.Duration {
	wait := float64(p.Backoff(attempt))
	if p.Jitter > 0 {
		spread := wait * p.Jitter
		wait += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts,
// or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &Error{Reason: ErrCanceled, Attempts: attempt - 1, Last: last}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !p.Retryable(last) {
			return &Error{Reason: ErrPermanent, Attempts: attempt, Last: last}
		}
		if attempt >= p.Attempts {
			return &Error{Reason: ErrExhausted, Attempts: attempt, Last: last}
		}

		wait := p.jittered(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Reason: ErrCanceled, Attempts: attempt, Last: last}
		case <-timer.C:
		}
	}
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the default Retryable stops at it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
