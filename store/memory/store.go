// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/bookmail/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	// mu guards the maps below. Writers hold it only for the final swap,
	// so a message and both of its states become visible together.
	mu       sync.RWMutex
	messages map[string]*store.Message
	states   map[string]*store.State
	byUser   map[string]map[string]struct{} // userID -> state IDs
	replies  map[string][]string            // messageID -> reply message IDs

	stateLocks sync.Map // map[string]*sync.Mutex (per-state locks for mutations)
	connected  int32
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages: make(map[string]*store.Message),
		states:   make(map[string]*store.State),
		byUser:   make(map[string]map[string]struct{}),
		replies:  make(map[string][]string),
	}
}

// getStateLock returns the mutex for a state ID, creating one if needed.
// Uses LoadOrStore for atomic get-or-create.
func (s *Store) getStateLock(id string) *sync.Mutex {
	lock, _ := s.stateLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
