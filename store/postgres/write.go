package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
)

// UpdateState locks the state row for the duration of fn, so concurrent
// updates of one state queue up behind each other.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, stateColumns, s.opts.statesTable())
	var row stateRow
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lock state: %w", err)
	}

	orig := row.toState()
	st := orig.Clone()
	if err := fn(st); err != nil {
		return nil, err
	}
	st.ID = orig.ID
	st.MessageID = orig.MessageID
	st.UserID = orig.UserID
	st.ReadAt = truncatePtr(st.ReadAt)
	st.PendingUndoUntil = truncatePtr(st.PendingUndoUntil)
	st.UpdatedAt = truncate(st.UpdatedAt)

	update := fmt.Sprintf(`
		UPDATE %s
		SET read_at = $1, visibility = $2, previous_visibility = $3,
		    pending_undo_until = $4, updated_at = $5
		WHERE id = $6
	`, s.opts.statesTable())
	_, err = tx.ExecContext(ctx, update,
		toNullTime(st.ReadAt), string(st.Visibility), string(st.PreviousVisibility),
		toNullTime(st.PendingUndoUntil), st.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", errors.Join(store.ErrTransactionFailed, err))
	}
	return st, nil
}

// SettleExpired clears undo windows that ended before now.
// Rows locked by a concurrent update are skipped and picked up next time.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	states := s.opts.statesTable()
	query := fmt.Sprintf(`
		UPDATE %s
		SET pending_undo_until = NULL, previous_visibility = ''
		WHERE id IN (
			SELECT id FROM %s
			WHERE pending_undo_until IS NOT NULL AND pending_undo_until < $1
			ORDER BY pending_undo_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, states, states)
	result, err := s.db.ExecContext(ctx, query, now.UTC(), lim)
	if err != nil {
		return 0, fmt.Errorf("settle expired: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("settled undo windows", "count", n)
	}
	return n, nil
}
