package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/bookmail/store"
	bbolt "go.etcd.io/bbolt"
)

// CreateMessage writes the message, both states and their index entries
// in one write transaction.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	db, err := s.conn()
	if err != nil {
		return nil, nil, err
	}

	createdAt := data.CreatedAt.UTC()
	if data.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		SenderID:    data.SenderID,
		RecipientID: data.RecipientID,
		Body:        data.Body,
		ReplyToID:   data.ReplyToID,
		CreatedAt:   createdAt,
	}
	states := []*store.State{
		store.NewState(uuid.New().String(), msg.ID, data.SenderID, createdAt),
		store.NewState(uuid.New().String(), msg.ID, data.RecipientID, createdAt),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if msg.ReplyToID != "" {
			if _, err := getMessage(tx, msg.ReplyToID); err != nil {
				return fmt.Errorf("reply target: %w", err)
			}
			if err := tx.Bucket(bucketReplies).Put(indexKey(msg.ReplyToID, msg.ID), nil); err != nil {
				return err
			}
		}

		encoded, err := encode(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), encoded); err != nil {
			return err
		}

		for _, st := range states {
			if err := putState(tx, st, nil); err != nil {
				return err
			}
			if err := tx.Bucket(bucketUserStates).Put(indexKey(st.UserID, st.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
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

	var msg *store.Message
	err = db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListReplies returns the replies to messageID, oldest first.
func (s *Store) ListReplies(ctx context.Context, messageID string) ([]*store.Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var replies []*store.Message
	err = db.View(func(tx *bbolt.Tx) error {
		prefix := indexKey(messageID, "")
		c := tx.Bucket(bucketReplies).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			msg, err := getMessage(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			replies = append(replies, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	store.SortReplies(replies)
	return replies, nil
}
