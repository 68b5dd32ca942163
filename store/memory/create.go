package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/bookmail/store"
)

// CreateMessage stores the message and both participant states under one
// write lock, so readers see all three records or none.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}

	now := data.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		SenderID:    data.SenderID,
		RecipientID: data.RecipientID,
		Body:        data.Body,
		ReplyToID:   data.ReplyToID,
		CreatedAt:   now,
	}
	states := []*store.State{
		store.NewState(uuid.New().String(), msg.ID, data.SenderID, now),
		store.NewState(uuid.New().String(), msg.ID, data.RecipientID, now),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = msg.Clone()
	for _, st := range states {
		s.states[st.ID] = st.Clone()
		ids, ok := s.byUser[st.UserID]
		if !ok {
			ids = make(map[string]struct{})
			s.byUser[st.UserID] = ids
		}
		ids[st.ID] = struct{}{}
	}
	if msg.ReplyToID != "" {
		s.replies[msg.ReplyToID] = append(s.replies[msg.ReplyToID], msg.ID)
	}

	return msg, states, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

// ListReplies returns the replies to a message, oldest first.
func (s *Store) ListReplies(ctx context.Context, messageID string) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	ids := s.replies[messageID]
	out := make([]*store.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	store.SortReplies(out)
	return out, nil
}
