// Package sqlite provides a SQLite implementation of store.Store.
//
// The store holds a single connection, so every transaction runs alone and
// updates of one state are serialized without row locks. Times are stored
// as Unix nanoseconds to keep ordering and round trips exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/bookmail/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		body TEXT NOT NULL,
		reply_to_id TEXT REFERENCES messages(id),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS states (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		read_at INTEGER,
		visibility TEXT NOT NULL DEFAULT 'inbox',
		previous_visibility TEXT NOT NULL DEFAULT '',
		pending_undo_until INTEGER,
		updated_at INTEGER NOT NULL,
		UNIQUE (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_states_user_vis ON states(user_id, visibility);
	CREATE INDEX IF NOT EXISTS idx_states_pending ON states(pending_undo_until) WHERE pending_undo_until IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(reply_to_id) WHERE reply_to_id IS NOT NULL;
`

// Store implements store.Store using SQLite.
type Store struct {
	db        *sqlx.DB
	path      string
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a store for the database file at path.
// The file and its directory are created on Connect.
func New(path string, opts ...Option) *Store {
	if path == "" {
		path = "./data/bookmail.db"
	}
	o := newOptions(opts...)
	return &Store{
		path:   path,
		opts:   o,
		logger: o.logger,
	}
}

// Connect opens the database and creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if err := s.open(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return err
	}

	s.logger.Info("connected to SQLite", "path", s.path)
	return nil
}

func (s *Store) open(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", s.path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return store.ErrNotFound
	}
	return err
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
