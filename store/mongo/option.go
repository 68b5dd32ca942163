package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase   = "bookmail"
	DefaultCollection = "messages"
	DefaultTimeout    = 10 * time.Second
)

// DefaultMaxUpdateAttempts is how often UpdateState retries a lost
// compare-and-swap before giving up with store.ErrConflict.
const DefaultMaxUpdateAttempts = 64

// options holds MongoDB store configuration.
type options struct {
	database          string
	collection        string
	timeout           time.Duration
	maxUpdateAttempts int
	logger            *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:          DefaultDatabase,
		collection:        DefaultCollection,
		timeout:           DefaultTimeout,
		maxUpdateAttempts: DefaultMaxUpdateAttempts,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the messages collection name.
// States are kept in "<name>_states".
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxUpdateAttempts bounds the compare-and-swap retries of UpdateState.
func WithMaxUpdateAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxUpdateAttempts = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
