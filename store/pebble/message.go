package pebble

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/oklog/ulid/v2"
	"github.com/rbaliyan/bookmail/store"
)

// CreateMessage commits the message, both states and their index keys in
// one batch.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	db, err := s.conn()
	if err != nil {
		return nil, nil, err
	}

	if data.ReplyToID != "" {
		if _, err := getMessage(db, data.ReplyToID); err != nil {
			return nil, nil, fmt.Errorf("reply target: %w", err)
		}
	}

	createdAt := data.CreatedAt.UTC()
	if data.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := &store.Message{
		ID:          ulid.Make().String(),
		SenderID:    data.SenderID,
		RecipientID: data.RecipientID,
		Body:        data.Body,
		ReplyToID:   data.ReplyToID,
		CreatedAt:   createdAt,
	}
	states := []*store.State{
		store.NewState(ulid.Make().String(), msg.ID, data.SenderID, createdAt),
		store.NewState(ulid.Make().String(), msg.ID, data.RecipientID, createdAt),
	}

	b := db.NewBatch()
	defer b.Close()

	if err := setJSON(b, messageKey(msg.ID), msg); err != nil {
		return nil, nil, fmt.Errorf("encode message: %w", err)
	}
	for _, st := range states {
		if err := setJSON(b, stateKey(st.ID), st); err != nil {
			return nil, nil, fmt.Errorf("encode state: %w", err)
		}
		if err := b.Set(indexKey(st, createdAt), []byte(st.ID), nil); err != nil {
			return nil, nil, err
		}
	}
	if msg.ReplyToID != "" {
		if err := b.Set(replyKey(msg.ReplyToID, msg.ID), nil, nil); err != nil {
			return nil, nil, err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return nil, nil, fmt.Errorf("commit message: %w", err)
	}
	return msg, states, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	return getMessage(db, id)
}

// ListReplies returns the replies to messageID, oldest first.
func (s *Store) ListReplies(ctx context.Context, messageID string) ([]*store.Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	snap := db.NewSnapshot()
	defer snap.Close()

	prefix := replyKey(messageID, "")
	iter, err := prefixIter(snap, prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var replies []*store.Message
	for iter.First(); iter.Valid(); iter.Next() {
		msg, err := getMessage(snap, string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, err
		}
		replies = append(replies, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	store.SortReplies(replies)
	return replies, nil
}
