package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rbaliyan/bookmail/store"
)

// foreignKeyViolation is the SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// CreateMessage inserts the message and both states in one transaction.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	if data.ReplyToID != "" {
		if err := checkID(data.ReplyToID); err != nil {
			return nil, nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	createdAt := data.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	createdAt = truncate(createdAt)

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

	insertMessage := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.opts.table, messageColumns)
	_, err = tx.ExecContext(ctx, insertMessage,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Body, toNullString(msg.ReplyToID), msg.CreatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert message: %w", mapError(err))
	}

	insertStates := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, user_id, visibility, updated_at)
		VALUES ($1, $2, $3, $4, $5), ($6, $7, $8, $9, $10)
	`, s.opts.statesTable())
	_, err = tx.ExecContext(ctx, insertStates,
		states[0].ID, msg.ID, states[0].UserID, string(store.VisibilityInbox), createdAt,
		states[1].ID, msg.ID, states[1].UserID, string(store.VisibilityInbox), createdAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert states: %w", mapError(err))
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
	if err := checkID(id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, messageColumns, s.opts.table)
	var row messageRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
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
	if err := checkID(messageID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE reply_to_id = $1
		ORDER BY created_at ASC, id ASC
	`, messageColumns, s.opts.table)
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, messageID); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}

	msgs := make([]*store.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toMessage()
	}
	return msgs, nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return store.ErrNotFound
	}
	return err
}
