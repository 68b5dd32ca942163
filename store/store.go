// Package store provides interfaces and types for book mail storage.
// Implementations are in the store/memory, store/postgres, store/sqlite,
// store/mongo, store/bolt and store/pebble subpackages.
//
// # Records
//
// A Message is written once and never changed. Every message owns exactly
// two State records, one for the sender and one for the recipient. A State
// is the only mutable record: it carries the read time, the visibility of
// the message in its owner's mailbox, and the undo window of the last
// archive or delete.
//
// # Concurrency
//
// Implementations must make CreateMessage atomic for readers: a listing
// never observes a message with only one of its states. UpdateState must
// serialize mutations of a single state so that concurrent callers never
// lose updates. How that is achieved is up to the backend:
//
//   - memory: per-state mutex plus a store-wide RWMutex for the swap
//   - postgres: transactions with SELECT ... FOR UPDATE
//   - sqlite: a single writer connection
//   - mongo: compare-and-swap on a version field
//   - bolt: serialized write transactions
//   - pebble: per-state mutex plus atomic batches
//
// None of these need an external lock service, so any number of service
// instances may share one database.
package store

import (
	"context"
	"time"
)

// Store is the storage interface for book mail.
//
// All operations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	MessageStore
	StateStore
}

// MessageStore provides access to immutable messages.
type MessageStore interface {
	// CreateMessage stores a message and one inbox state per participant
	// in a single atomic unit. The returned states are ordered sender first.
	CreateMessage(ctx context.Context, data MessageData) (*Message, []*State, error)

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListReplies returns messages replying to messageID, oldest first.
	ListReplies(ctx context.Context, messageID string) ([]*Message, error)
}

// StateStore provides access to per-user mailbox states.
type StateStore interface {
	// GetState retrieves a state by ID.
	GetState(ctx context.Context, id string) (*State, error)

	// UpdateState applies fn to a copy of the state and persists the result.
	// Calls for the same ID are serialized. If fn returns an error nothing
	// is written and that error is returned unchanged.
	UpdateState(ctx context.Context, id string, fn func(*State) error) (*State, error)

	// ListEntries returns the user's states with the given visibility joined
	// to their messages, newest message first.
	ListEntries(ctx context.Context, userID string, visibility Visibility, opts ListOptions) (*EntryList, error)

	// SettleExpired clears the undo window of at most limit states whose
	// window ended before now. Returns the number of states settled.
	SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// MessageData contains the fields for creating a message.
type MessageData struct {
	SenderID    string
	RecipientID string
	Body        string
	ReplyToID   string
	// CreatedAt is stamped by the caller from its clock. Zero means the
	// store uses the current UTC time.
	CreatedAt time.Time
}

// ListOptions controls paging of a listing.
type ListOptions struct {
	// Limit is the maximum number of entries to return. Zero returns all.
	Limit int
	// Offset skips that many entries of the ordered result.
	Offset int
}

// EntryList is one page of a listing.
type EntryList struct {
	Entries []*Entry
	// Total is the number of matching entries ignoring Limit and Offset.
	Total   int64
	HasMore bool
}
