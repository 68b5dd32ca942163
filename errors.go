package bookmail

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/bookmail/store"
)

// Sentinel errors for the bookmail package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, bookmail.ErrNotFound) will match both bookmail-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a message or state cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("bookmail: %w", store.ErrNotFound)

	// ErrPermissionDenied is returned when the permission checker blocks a send.
	ErrPermissionDenied = errors.New("bookmail: permission denied")

	// ErrExpired is returned when an undo arrives after its window closed,
	// or when there is no pending action to undo.
	ErrExpired = errors.New("bookmail: undo window expired")

	// ErrUnauthorized is returned when a state or message does not belong to the caller.
	ErrUnauthorized = errors.New("bookmail: unauthorized")

	// ErrStateDeleted is returned when a deleted state is the target of any
	// mutation other than undo. It matches ErrNotFound: the handle is stale.
	ErrStateDeleted = fmt.Errorf("bookmail: state deleted: %w", ErrNotFound)

	// ErrInvalidMessage is returned for message validation failures.
	ErrInvalidMessage = errors.New("bookmail: invalid message")

	// ErrEmptyBody is returned when the message body is blank.
	ErrEmptyBody = errors.New("bookmail: empty body")

	// ErrBodyTooLarge is returned when body exceeds maximum size.
	ErrBodyTooLarge = errors.New("bookmail: body too large")

	// ErrInvalidContent is returned when message content contains invalid characters.
	ErrInvalidContent = errors.New("bookmail: invalid content")

	// ErrInvalidRecipient is returned when a recipient ID is invalid or equals the sender.
	ErrInvalidRecipient = errors.New("bookmail: invalid recipient")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("bookmail: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("bookmail: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("bookmail: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("bookmail: %w", store.ErrInvalidID)

	// ErrRateLimited is returned when a user exceeds their rate limit.
	ErrRateLimited = errors.New("bookmail: rate limited")

	// ErrInvalidUserID is returned when a user ID contains invalid characters.
	ErrInvalidUserID = errors.New("bookmail: invalid user id")
)

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
// Handles both bookmail-level and store-level errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Permanent errors that should not be retried. ErrExpired and
	// ErrPermissionDenied are correct outcomes, not faults.
	permanentErrors := []error{
		ErrNotFound,
		ErrPermissionDenied,
		ErrExpired,
		ErrUnauthorized,
		ErrInvalidMessage,
		ErrEmptyBody,
		ErrBodyTooLarge,
		ErrInvalidContent,
		ErrInvalidRecipient,
		ErrInvalidID,
		ErrInvalidUserID,
		ErrStoreRequired,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateEntry,
		store.ErrInvalidVisibility,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	// Validation failures are deterministic.
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}

	// Everything else, including ErrRateLimited, ErrNotConnected,
	// store.ErrConflict and store.ErrTransactionFailed, may succeed later.
	return true
}

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
	Err     error  // Specific sentinel, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bookmail: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrInvalidMessage and the specific sentinel, so both match.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidMessage, e.Err}
	}
	return []error{ErrInvalidMessage}
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
// The message was sent (or the state changed), but the event notification failed.
type EventPublishError struct {
	Event string // The event name (e.g., "MessageSent", "StateArchived")
	ID    string // The message or state ID the event was for
	Err   error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("bookmail: event %s publish failed for %s: %v", e.Event, e.ID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// storeError maps store-level sentinels to their bookmail equivalents.
// Errors that already carry a bookmail sentinel pass through unchanged.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotConnected), errors.Is(err, ErrInvalidID):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrNotConnected):
		return ErrNotConnected
	case errors.Is(err, store.ErrInvalidID):
		return ErrInvalidID
	}
	return err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
// This is useful when eventErrorsFatal=true but you still want to know the operation succeeded.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
