package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rbaliyan/bookmail/store"
)

// GetState retrieves a state by ID.
func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, stateColumns, s.opts.statesTable())
	var row stateRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	return row.toState(), nil
}

// ListEntries joins the user's states to their messages, newest first.
// The count and the page are read from one snapshot.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	states := s.opts.statesTable()

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1 AND visibility = $2`, states)
	var total int64
	if err := tx.GetContext(ctx, &total, countQuery, userID, string(visibility)); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	// LIMIT NULL returns every row.
	var limit sql.NullInt64
	if opts.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(opts.Limit), Valid: true}
	}
	offset := max(opts.Offset, 0)

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s s
		JOIN %s m ON m.id = s.message_id
		WHERE s.user_id = $1 AND s.visibility = $2
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3 OFFSET $4
	`, entryColumns, states, s.opts.table)
	var rows []entryRow
	if err := tx.SelectContext(ctx, &rows, query, userID, string(visibility), limit, offset); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	entries := make([]*store.Entry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toEntry()
	}

	return &store.EntryList{
		Entries: entries,
		Total:   total,
		HasMore: int64(offset+len(entries)) < total,
	}, nil
}
