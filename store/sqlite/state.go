package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
)

const stateColumns = `id, message_id, user_id, read_at, visibility, previous_visibility, pending_undo_until, updated_at`

type stateRow struct {
	ID                 string        `db:"id"`
	MessageID          string        `db:"message_id"`
	UserID             string        `db:"user_id"`
	ReadAt             sql.NullInt64 `db:"read_at"`
	Visibility         string        `db:"visibility"`
	PreviousVisibility string        `db:"previous_visibility"`
	PendingUndoUntil   sql.NullInt64 `db:"pending_undo_until"`
	UpdatedAt          int64         `db:"updated_at"`
}

func (r *stateRow) toState() *store.State {
	return &store.State{
		ID:                 r.ID,
		MessageID:          r.MessageID,
		UserID:             r.UserID,
		ReadAt:             fromNullNanos(r.ReadAt),
		Visibility:         store.Visibility(r.Visibility),
		PreviousVisibility: store.Visibility(r.PreviousVisibility),
		PendingUndoUntil:   fromNullNanos(r.PendingUndoUntil),
		UpdatedAt:          fromNanos(r.UpdatedAt),
	}
}

type entryRow struct {
	stateRow
	SenderID    string         `db:"sender_id"`
	RecipientID string         `db:"recipient_id"`
	Body        string         `db:"body"`
	ReplyToID   sql.NullString `db:"reply_to_id"`
	CreatedAt   int64          `db:"created_at"`
}

// GetState retrieves a state by ID.
func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row stateRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+stateColumns+` FROM states WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	return row.toState(), nil
}

// UpdateState runs fn inside a transaction on the store's only connection.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row stateRow
	if err := tx.GetContext(ctx, &row, `SELECT `+stateColumns+` FROM states WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}

	orig := row.toState()
	st := orig.Clone()
	if err := fn(st); err != nil {
		return nil, err
	}
	st.ID = orig.ID
	st.MessageID = orig.MessageID
	st.UserID = orig.UserID

	_, err = tx.ExecContext(ctx, `
		UPDATE states
		SET read_at = ?, visibility = ?, previous_visibility = ?, pending_undo_until = ?, updated_at = ?
		WHERE id = ?`,
		toNullNanos(st.ReadAt), string(st.Visibility), string(st.PreviousVisibility),
		toNullNanos(st.PendingUndoUntil), toNanos(st.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", errors.Join(store.ErrTransactionFailed, err))
	}
	return st, nil
}

// ListEntries joins the user's states to their messages, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	err = tx.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM states WHERE user_id = ? AND visibility = ?`,
		userID, string(visibility),
	)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	// LIMIT -1 returns every row.
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := max(opts.Offset, 0)

	var rows []entryRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT s.id, s.message_id, s.user_id, s.read_at, s.visibility, s.previous_visibility,
		       s.pending_undo_until, s.updated_at,
		       m.sender_id, m.recipient_id, m.body, m.reply_to_id, m.created_at
		FROM states s
		JOIN messages m ON m.id = s.message_id
		WHERE s.user_id = ? AND s.visibility = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?`,
		userID, string(visibility), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	entries := make([]*store.Entry, len(rows))
	for i := range rows {
		r := &rows[i]
		msg := &store.Message{
			ID:          r.MessageID,
			SenderID:    r.SenderID,
			RecipientID: r.RecipientID,
			Body:        r.Body,
			ReplyToID:   r.ReplyToID.String,
			CreatedAt:   fromNanos(r.CreatedAt),
		}
		entries[i] = store.NewEntry(msg, r.toState())
	}

	return &store.EntryList{
		Entries: entries,
		Total:   total,
		HasMore: int64(offset+len(entries)) < total,
	}, nil
}

// SettleExpired clears undo windows that ended before now.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE states
		SET pending_undo_until = NULL, previous_visibility = ''
		WHERE id IN (
			SELECT id FROM states
			WHERE pending_undo_until IS NOT NULL AND pending_undo_until < ?
			ORDER BY pending_undo_until
			LIMIT ?
		)`,
		toNanos(now), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("settle expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
