// Package bolt provides a bbolt implementation of store.Store for
// single-node deployments.
//
// Records are gob-encoded. bbolt runs one write transaction at a time, which
// serializes UpdateState and makes CreateMessage atomic for readers.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/bookmail/store"
	bbolt "go.etcd.io/bbolt"
)

var _ store.Store = (*Store)(nil)

var (
	bucketMessages = []byte("messages")
	bucketStates   = []byte("states")
	// bucketUserStates indexes states by owner: "userID\x00stateID".
	bucketUserStates = []byte("user_states")
	// bucketReplies indexes replies by parent: "parentID\x00replyID".
	bucketReplies = []byte("replies")
	// bucketPending indexes open undo windows by end time: "until|stateID".
	bucketPending = []byte("pending")
)

// DefaultOpenTimeout bounds waiting for the file lock held by another process.
const DefaultOpenTimeout = time.Second

// Option configures a bolt store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOpenTimeout sets how long Connect waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.openTimeout = d
		}
	}
}

// Store implements store.Store on a bbolt file.
type Store struct {
	path        string
	openTimeout time.Duration
	logger      *slog.Logger

	mu sync.RWMutex
	db *bbolt.DB
}

// New creates a store for the database file at path. Connect opens it.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		openTimeout: DefaultOpenTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the file and ensures all buckets exist.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return store.ErrAlreadyConnected
	}

	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: s.openTimeout})
	if err != nil {
		return fmt.Errorf("bolt: open %s: %w", s.path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		backfill := tx.Bucket(bucketPending) == nil
		for _, name := range [][]byte{bucketMessages, bucketStates, bucketUserStates, bucketReplies, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if backfill {
			return indexPending(tx)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("bolt: create buckets: %w", err)
	}

	s.db = db
	s.logger.Info("opened bolt store", "path", s.path)
	return nil
}

// Close closes the file.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the open database or store.ErrNotConnected.
func (s *Store) conn() (*bbolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotConnected
	}
	return s.db, nil
}

func indexKey(a, b string) []byte {
	k := make([]byte, 0, len(a)+1+len(b))
	k = append(k, a...)
	k = append(k, 0)
	return append(k, b...)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func getMessage(tx *bbolt.Tx, id string) (*store.Message, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, store.ErrNotFound
	}
	var msg store.Message
	if err := decode(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

func getState(tx *bbolt.Tx, id string) (*store.State, error) {
	data := tx.Bucket(bucketStates).Get([]byte(id))
	if data == nil {
		return nil, store.ErrNotFound
	}
	var st store.State
	if err := decode(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	return &st, nil
}

// putState writes st and moves its pending index entry from prev, the
// window end of the stored version.
func putState(tx *bbolt.Tx, st *store.State, prev *time.Time) error {
	data, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.ID, err)
	}
	if err := tx.Bucket(bucketStates).Put([]byte(st.ID), data); err != nil {
		return err
	}

	pending := tx.Bucket(bucketPending)
	next := st.PendingUndoUntil
	if prev != nil && (next == nil || !prev.Equal(*next)) {
		if err := pending.Delete(pendingKey(*prev, st.ID)); err != nil {
			return err
		}
	}
	if next != nil && (prev == nil || !prev.Equal(*next)) {
		if err := pending.Put(pendingKey(*next, st.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// indexPending builds the pending index of a file written before it existed.
func indexPending(tx *bbolt.Tx) error {
	pending := tx.Bucket(bucketPending)
	return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
		var st store.State
		if err := decode(v, &st); err != nil {
			return fmt.Errorf("decode state %s: %w", k, err)
		}
		if st.PendingUndoUntil == nil {
			return nil
		}
		return pending.Put(pendingKey(*st.PendingUndoUntil, st.ID), nil)
	})
}

// pendingKey orders by window end; the sign flip keeps pre-1970 times first.
func pendingKey(until time.Time, stateID string) []byte {
	k := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(stateID)), uint64(until.UnixNano())^(1<<63))
	return append(k, stateID...)
}

func pendingUntil(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])^(1<<63)))
}
