package memory

import (
	"context"

	"github.com/rbaliyan/bookmail/store"
)

// GetState retrieves a state by ID.
func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.Clone(), nil
}

// ListEntries returns the user's states with the given visibility joined to their messages.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	s.mu.RLock()
	var entries []*store.Entry
	for id := range s.byUser[userID] {
		st := s.states[id]
		if st == nil || st.Visibility != visibility {
			continue
		}
		msg, ok := s.messages[st.MessageID]
		if !ok {
			continue
		}
		entries = append(entries, store.NewEntry(msg.Clone(), st.Clone()))
	}
	s.mu.RUnlock()

	return store.Page(entries, opts), nil
}
