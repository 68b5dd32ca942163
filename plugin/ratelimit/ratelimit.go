// Package ratelimit provides a send hook that limits how fast each user can send.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/bookmail"
	"golang.org/x/time/rate"
)

// Defaults for the per-sender token bucket.
const (
	DefaultRate  = rate.Limit(1)
	DefaultBurst = 10
)

var _ bookmail.SendHook = (*Limiter)(nil)

// Option configures a Limiter.
type Option func(*Limiter)

// WithRate sets the steady-state sends per second allowed per sender.
func WithRate(r rate.Limit) Option {
	return func(l *Limiter) {
		if r > 0 {
			l.rate = r
		}
	}
}

// WithEvery sets the rate as one send per interval.
func WithEvery(interval time.Duration) Option {
	return func(l *Limiter) {
		if interval > 0 {
			l.rate = rate.Every(interval)
		}
	}
}

// WithBurst sets how many sends a sender may make back to back.
func WithBurst(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.burst = n
		}
	}
}

// Limiter is a bookmail.SendHook that keeps one token bucket per sender.
// Sends over the limit fail with bookmail.ErrRateLimited before anything is stored.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	senders map[string]*rate.Limiter
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		rate:    DefaultRate,
		burst:   DefaultBurst,
		senders: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) get(senderID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.senders[senderID]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	l.senders[senderID] = lim
	return lim
}

// Name implements bookmail.Plugin.
func (l *Limiter) Name() string { return "ratelimit" }

// Init implements bookmail.Plugin.
func (l *Limiter) Init(context.Context) error { return nil }

// Close drops all buckets.
func (l *Limiter) Close(context.Context) error {
	l.mu.Lock()
	l.senders = make(map[string]*rate.Limiter)
	l.mu.Unlock()
	return nil
}

// BeforeSend takes a token from the sender's bucket.
func (l *Limiter) BeforeSend(_ context.Context, senderID string, _ bookmail.SendRequest) error {
	if !l.get(senderID).Allow() {
		return fmt.Errorf("sender %s: %w", senderID, bookmail.ErrRateLimited)
	}
	return nil
}

// AfterSend implements bookmail.SendHook.
func (l *Limiter) AfterSend(context.Context, string, *bookmail.Message) error { return nil }
