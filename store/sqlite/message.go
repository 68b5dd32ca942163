package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/bookmail/store"
)

const messageColumns = `id, sender_id, recipient_id, body, reply_to_id, created_at`

type messageRow struct {
	ID          string         `db:"id"`
	SenderID    string         `db:"sender_id"`
	RecipientID string         `db:"recipient_id"`
	Body        string         `db:"body"`
	ReplyToID   sql.NullString `db:"reply_to_id"`
	CreatedAt   int64          `db:"created_at"`
}

func (r *messageRow) toMessage() *store.Message {
	return &store.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Body:        r.Body,
		ReplyToID:   r.ReplyToID.String,
		CreatedAt:   fromNanos(r.CreatedAt),
	}
}

// CreateMessage inserts the message and both states in one transaction.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	replyTo := sql.NullString{String: msg.ReplyToID, Valid: msg.ReplyToID != ""}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Body, replyTo, toNanos(createdAt),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert message: %w", mapError(err))
	}

	for _, st := range states {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO states (id, message_id, user_id, visibility, updated_at) VALUES (?, ?, ?, ?, ?)`,
			st.ID, st.MessageID, st.UserID, string(st.Visibility), toNanos(st.UpdatedAt),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert state: %w", mapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", errors.Join(store.ErrTransactionFailed, err))
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

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage(), nil
}

// ListReplies returns the replies to messageID, oldest first.
func (s *Store) ListReplies(ctx context.Context, messageID string) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE reply_to_id = ? ORDER BY created_at ASC, id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}

	msgs := make([]*store.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toMessage()
	}
	return msgs, nil
}
