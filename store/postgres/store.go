// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Messages and states live in two tables. CreateMessage inserts the
// message and both states in one transaction, and UpdateState locks the
// state row with SELECT ... FOR UPDATE for the duration of the update.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/bookmail/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open opens a connection pool for dsn and wraps it in a store.
// The caller closes the pool with DB().Close().
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	return New(db, opts...), nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Connect verifies the connection and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	messages, states := s.opts.table, s.opts.statesTable()

	createMessages := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			sender_id VARCHAR(255) NOT NULL,
			recipient_id VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			reply_to_id UUID REFERENCES %s(id),
			created_at TIMESTAMPTZ NOT NULL
		)
	`, messages, messages)
	if _, err := s.db.ExecContext(ctx, createMessages); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	createStates := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			message_id UUID NOT NULL REFERENCES %s(id),
			user_id VARCHAR(255) NOT NULL,
			read_at TIMESTAMPTZ,
			visibility VARCHAR(16) NOT NULL DEFAULT 'inbox',
			previous_visibility VARCHAR(16) NOT NULL DEFAULT '',
			pending_undo_until TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (message_id, user_id)
		)
	`, states, messages)
	if _, err := s.db.ExecContext(ctx, createStates); err != nil {
		return fmt.Errorf("create states table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_vis ON %s(user_id, visibility)`, states, states),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s(pending_undo_until) WHERE pending_undo_until IS NOT NULL`, states, states),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at DESC, id DESC)`, messages, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_reply ON %s(reply_to_id) WHERE reply_to_id IS NOT NULL`, messages, messages),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// checkID rejects IDs that cannot be a UUID primary key.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}
	return nil
}
