package bookmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"
)

// Type aliases for commonly used store types.
// These allow users to work with the bookmail package without importing store directly.
type (
	Message     = store.Message
	State       = store.State
	Entry       = store.Entry
	EntryList   = store.EntryList
	ListOptions = store.ListOptions
	Visibility  = store.Visibility
)

// Re-exported visibility constants.
const (
	VisibilityInbox    = store.VisibilityInbox
	VisibilityArchived = store.VisibilityArchived
	VisibilityDeleted  = store.VisibilityDeleted
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service manages the book mail system (server-side).
// It owns the store connection and hands out per-user mailboxes.
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close waits for in-flight sends and closes all connections.
	Close(ctx context.Context) error
	// Client returns a mailbox for the given user.
	// The returned client shares the service's connections.
	Client(userID string) Mailbox
	// Settle finalizes undo windows that ended before now. Undo already
	// refuses expired windows, so calling Settle only tidies storage.
	// Call it periodically from your scheduler.
	Settle(ctx context.Context) (*SettleResult, error)
	// Events returns per-service event instances for subscribing.
	Events() *ServiceEvents
}

// MessageSender sends new messages.
type MessageSender interface {
	// Send creates a message from this user to req.RecipientID along with
	// one state per participant. Returns ErrPermissionDenied without
	// writing anything when the permission checker refuses.
	Send(ctx context.Context, req SendRequest) (*Message, error)
}

// StateMutator applies transitions to the user's own states.
// Every method fails with ErrNotFound for unknown IDs and with
// ErrUnauthorized when the state belongs to someone else.
type StateMutator interface {
	// MarkRead stamps the read time once. Later calls are no-ops.
	MarkRead(ctx context.Context, stateID string) error
	// Archive moves the state to the archive and opens an undo window.
	Archive(ctx context.Context, stateID string) error
	// Delete hides the state from all listings and opens an undo window.
	Delete(ctx context.Context, stateID string) error
	// Undo reverts the last archive or delete while its window is open.
	// Returns ErrExpired once the window has passed or was already used.
	Undo(ctx context.Context, stateID string) error
}

// MailboxLister lists the user's views.
type MailboxLister interface {
	// Inbox lists states that are neither archived nor deleted, newest first.
	Inbox(ctx context.Context, opts ListOptions) (*EntryList, error)
	// Archived lists archived states that are not deleted, newest first.
	Archived(ctx context.Context, opts ListOptions) (*EntryList, error)
}

// MessageReader reads messages the user participates in.
type MessageReader interface {
	// Message returns a message the user sent or received.
	Message(ctx context.Context, messageID string) (*Message, error)
	// Replies returns the replies to a message the user participates in,
	// oldest first, restricted to those the user also participates in.
	Replies(ctx context.Context, messageID string) ([]*Message, error)
}

// Mailbox is one user's view of the service.
type Mailbox interface {
	// UserID returns the owner of this mailbox.
	UserID() string

	MessageSender
	StateMutator
	MailboxLister
	MessageReader
	StatsReader
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.Store
	logger   *slog.Logger
	clock    Clock
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins  *pluginRegistry
	otel     *otelInstrumentation
	sendSem  *semaphore.Weighted // bounds concurrent sends
	eventBus *event.Bus
	events   *ServiceEvents

	// statsCache maps user ID to *statsEntry. Only used when events can
	// keep it current, i.e. with a real transport.
	statsCache   sync.Map
	cacheEnabled bool
}

// NewService creates a new book mail service.
// Call Connect() before using any mailbox.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:        o.store,
		logger:       o.logger,
		clock:        o.clock,
		opts:         o,
		plugins:      plugins,
		otel:         otelInstr,
		sendSem:      semaphore.NewWeighted(int64(o.maxConcurrentSends)),
		cacheEnabled: o.eventTransport != nil || o.redisClient != nil,
	}, nil
}

// Events returns the per-service events. Nil before Connect.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect connects the store, starts the event bus and initializes plugins.
func (s *service) Connect(ctx context.Context) error {
	// Three states keep Client() from seeing a half-initialized service.
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		_ = s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if s.cacheEnabled {
		if err := s.subscribeStats(ctx); err != nil {
			_ = s.eventBus.Close(ctx)
			_ = s.store.Close(ctx)
			return fmt.Errorf("subscribe stats: %w", err)
		}
	}

	if err := s.plugins.initAll(ctx); err != nil {
		_ = s.eventBus.Close(ctx)
		_ = s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("bookmail service connected", "undo_window", s.opts.undoWindow)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates the event bus with the configured transport.
// Priority: custom transport, then Redis, then noop.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "bookmail"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close stops accepting work, waits for in-flight sends up to the shutdown
// timeout, then closes plugins, the event bus and the store.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// New sends fail checkAccess now; holding every slot means the old ones finished.
	s.logger.Info("waiting for in-flight sends to complete", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer cancel()
	if err := s.sendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentSends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight sends, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sendSem.Release(int64(s.opts.maxConcurrentSends))
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.statsCache.Clear()
	return errors.Join(errs...)
}

// Client returns a mailbox for the given user.
func (s *service) Client(userID string) Mailbox {
	return &userMailbox{
		userID:      userID,
		service:     s,
		validUserID: isValidUserID(userID),
	}
}

// userMailbox is the default implementation of Mailbox.
type userMailbox struct {
	userID      string
	service     *service
	validUserID bool // set by Client() after validation
}

// UserID returns the user ID of this mailbox.
func (m *userMailbox) UserID() string {
	return m.userID
}

func (m *userMailbox) isConnected() bool {
	return atomic.LoadInt32(&m.service.state) == stateConnected
}

// checkAccess verifies the mailbox is ready for operations.
// Returns ErrNotConnected if service isn't connected,
// or ErrInvalidUserID if user ID failed validation.
func (m *userMailbox) checkAccess() error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	if !m.validUserID {
		return ErrInvalidUserID
	}
	return nil
}
