// Package scheduler runs a job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is the work run on every tick.
type Job func(ctx context.Context) error

// retryDelay is how long the loop waits when the next tick cannot be computed.
const retryDelay = 30 * time.Second

// Scheduler runs a Job at the ticks of a cron expression. Runs never
// overlap: a tick that arrives while the job is still running is skipped.
type Scheduler struct {
	name   string
	expr   string
	job    Job
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler. The expression is validated with gronx.
func New(name, expr string, job Job, opts ...Option) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("scheduler %s: invalid cron expression %q", name, expr)
	}
	s := &Scheduler{
		name:   name,
		expr:   expr,
		job:    job,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is done, running the job at every tick.
// Job errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "job", s.name, "cron", s.expr)
	defer s.logger.Info("scheduler stopped", "job", s.name)

	for {
		now := s.now()
		next, err := s.Next(now)
		wait := next.Sub(now)
		if err != nil {
			s.logger.Error("compute next tick failed", "job", s.name, "error", err)
			wait = retryDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(wait):
		}
		if err != nil {
			continue
		}
		s.RunOnce(ctx)
	}
}

// RunOnce runs the job immediately and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", s.name, "error", err)
		return
	}
	s.logger.Debug("scheduled job finished", "job", s.name, "duration", time.Since(start))
}
