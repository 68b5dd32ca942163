// Package pebble provides a Pebble (LSM) implementation of store.Store.
//
// Key layout:
//
//	msg:<messageID>                                   message JSON
//	state:<stateID>                                   state JSON
//	idx:<userID>\x00<visibility>\x00<desc time><desc id> -> stateID
//	pending:<until><stateID>                          open undo windows
//	reply:<parentID>\x00<replyID>                     reply index
//
// Listing keys sort newest message first, so a view is a prefix scan.
// IDs are ULIDs. Every write is a single atomic batch; per-state mutexes
// serialize UpdateState and SettleExpired on the same state.
package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rbaliyan/bookmail/store"
)

var _ store.Store = (*Store)(nil)

var (
	prefixMessage = []byte("msg:")
	prefixState   = []byte("state:")
	prefixIndex   = []byte("idx:")
	prefixPending = []byte("pending:")
	prefixReply   = []byte("reply:")
)

// Option configures a pebble store.
type Option func(*Store)

// WithFS sets the filesystem, e.g. vfs.NewMem() for tests.
func WithFS(fs vfs.FS) Option {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements store.Store on a Pebble database.
type Store struct {
	path   string
	fs     vfs.FS
	logger *slog.Logger

	mu sync.RWMutex
	db *pebble.DB

	stateLocks sync.Map // map[string]*sync.Mutex
}

// New creates a store for the database directory at path. Connect opens it.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		fs:     vfs.Default,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the database.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return store.ErrAlreadyConnected
	}

	db, err := pebble.Open(s.path, &pebble.Options{FS: s.fs})
	if err != nil {
		return fmt.Errorf("pebble: open %s: %w", s.path, err)
	}
	s.db = db
	s.logger.Info("opened pebble store", "path", s.path)
	return nil
}

// Close flushes and closes the database.
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

func (s *Store) conn() (*pebble.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotConnected
	}
	return s.db, nil
}

func (s *Store) getStateLock(id string) *sync.Mutex {
	lock, _ := s.stateLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// reader is implemented by both *pebble.DB and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte(nil), prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0)
		}
		k = append(k, p...)
	}
	return k
}

func messageKey(id string) []byte { return key(prefixMessage, id) }
func stateKey(id string) []byte   { return key(prefixState, id) }

// sortable maps an int64 onto a uint64 with the same order.
func sortable(n int64) uint64 {
	return uint64(n) ^ (1 << 63)
}

// viewPrefix is the index prefix of one user's view.
func viewPrefix(userID string, v store.Visibility) []byte {
	k := key(prefixIndex, userID, string(v))
	return append(k, 0)
}

// indexKey sorts newest message first, ties by message ID descending.
func indexKey(st *store.State, createdAt time.Time) []byte {
	k := viewPrefix(st.UserID, st.Visibility)
	k = binary.BigEndian.AppendUint64(k, ^sortable(createdAt.UnixNano()))
	for i := 0; i < len(st.MessageID); i++ {
		k = append(k, ^st.MessageID[i])
	}
	return k
}

func pendingKey(until time.Time, stateID string) []byte {
	k := append([]byte(nil), prefixPending...)
	k = binary.BigEndian.AppendUint64(k, sortable(until.UnixNano()))
	return append(k, stateID...)
}

func replyKey(parentID, replyID string) []byte {
	return key(prefixReply, parentID, replyID)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func prefixIter(r reader, prefix []byte) (*pebble.Iterator, error) {
	return r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
}

// getJSON loads key into v, mapping a missing key to store.ErrNotFound.
func getJSON(r reader, k []byte, v any) error {
	data, closer, err := r.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return store.ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func getMessage(r reader, id string) (*store.Message, error) {
	var msg store.Message
	if err := getJSON(r, messageKey(id), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func getState(r reader, id string) (*store.State, error) {
	var st store.State
	if err := getJSON(r, stateKey(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func setJSON(b *pebble.Batch, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(k, data, nil)
}
