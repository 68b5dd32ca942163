package bookmail

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/event/v3"
)

// Event names for bookmail events.
const (
	EventNameMessageSent   = "bookmail.message.sent"
	EventNameStateRead     = "bookmail.state.read"
	EventNameStateArchived = "bookmail.state.archived"
	EventNameStateDeleted  = "bookmail.state.deleted"
	EventNameStateRestored = "bookmail.state.restored"
)

// MessageSentEvent is published when a message is sent.
// This is the primary event for notifying recipients of new messages.
type MessageSentEvent struct {
	MessageID        string    `json:"message_id"`
	SenderID         string    `json:"sender_id"`
	RecipientID      string    `json:"recipient_id"`
	SenderStateID    string    `json:"sender_state_id"`
	RecipientStateID string    `json:"recipient_state_id"`
	ReplyToID        string    `json:"reply_to_id,omitempty"`
	SentAt           time.Time `json:"sent_at"`
}

// StateReadEvent is published the first time a state is marked read.
// Use this for read receipts.
type StateReadEvent struct {
	StateID   string    `json:"state_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// StateChangedEvent describes an archive or delete. UndoUntil is the end
// of the window in which the change can be reverted.
type StateChangedEvent struct {
	StateID   string           `json:"state_id"`
	MessageID string           `json:"message_id"`
	UserID    string           `json:"user_id"`
	From      store.Visibility `json:"from"`
	UndoUntil time.Time        `json:"undo_until"`
	ChangedAt time.Time        `json:"changed_at"`
}

// StateRestoredEvent is published when an undo succeeds.
type StateRestoredEvent struct {
	StateID    string           `json:"state_id"`
	MessageID  string           `json:"message_id"`
	UserID     string           `json:"user_id"`
	From       store.Visibility `json:"from"`
	To         store.Visibility `json:"to"`
	RestoredAt time.Time        `json:"restored_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MessageSent.Subscribe(ctx, handler)
//	svc.Events().StateArchived.Subscribe(ctx, handler)
type ServiceEvents struct {
	// MessageSent is published when a message is sent.
	MessageSent event.Event[MessageSentEvent]

	// StateRead is published when a state is first marked read.
	StateRead event.Event[StateReadEvent]

	// StateArchived is published when a state is archived.
	StateArchived event.Event[StateChangedEvent]

	// StateDeleted is published when a state is deleted.
	StateDeleted event.Event[StateChangedEvent]

	// StateRestored is published when an archive or delete is undone.
	StateRestored event.Event[StateRestoredEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageSent:   event.New[MessageSentEvent](namePrefix + "." + EventNameMessageSent),
		StateRead:     event.New[StateReadEvent](namePrefix + "." + EventNameStateRead),
		StateArchived: event.New[StateChangedEvent](namePrefix + "." + EventNameStateArchived),
		StateDeleted:  event.New[StateChangedEvent](namePrefix + "." + EventNameStateDeleted),
		StateRestored: event.New[StateRestoredEvent](namePrefix + "." + EventNameStateRestored),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageSent); err != nil {
		return fmt.Errorf("register MessageSent: %w", err)
	}
	if err := event.Register(ctx, bus, events.StateRead); err != nil {
		return fmt.Errorf("register StateRead: %w", err)
	}
	if err := event.Register(ctx, bus, events.StateArchived); err != nil {
		return fmt.Errorf("register StateArchived: %w", err)
	}
	if err := event.Register(ctx, bus, events.StateDeleted); err != nil {
		return fmt.Errorf("register StateDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.StateRestored); err != nil {
		return fmt.Errorf("register StateRestored: %w", err)
	}
	return nil
}

// publish sends data on ev, applying the service's failure policy.
// It returns a non-nil error only when event errors are fatal.
func publish[T any](ctx context.Context, s *service, ev event.Event[T], name, id string, data T) error {
	if err := ev.Publish(ctx, data); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: name, ID: id, Err: err}
		}
		s.opts.safeEventPublishFailure(name, err)
	}
	return nil
}
