package bolt

import (
	"bytes"
	"context"
	"time"

	"github.com/rbaliyan/bookmail/store"
	bbolt "go.etcd.io/bbolt"
)

// GetState retrieves a state by ID.
func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	var st *store.State
	err = db.View(func(tx *bbolt.Tx) error {
		var err error
		st, err = getState(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateState applies fn inside a write transaction.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	var updated *store.State
	err = db.Update(func(tx *bbolt.Tx) error {
		orig, err := getState(tx, id)
		if err != nil {
			return err
		}
		st := orig.Clone()
		if err := fn(st); err != nil {
			return err
		}
		st.ID = orig.ID
		st.MessageID = orig.MessageID
		st.UserID = orig.UserID
		if err := putState(tx, st, orig.PendingUndoUntil); err != nil {
			return err
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListEntries walks the user's state index and pages the matches in memory.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	var entries []*store.Entry
	err = db.View(func(tx *bbolt.Tx) error {
		prefix := indexKey(userID, "")
		c := tx.Bucket(bucketUserStates).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			st, err := getState(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			if st.Visibility != visibility {
				continue
			}
			msg, err := getMessage(tx, st.MessageID)
			if err != nil {
				return err
			}
			entries = append(entries, store.NewEntry(msg, st))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return store.Page(entries, opts), nil
}

// SettleExpired clears undo windows that ended before now. It walks the
// pending index from the oldest window end and stops at now.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Update(func(tx *bbolt.Tx) error {
		var ids []string
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			if !pendingUntil(k).Before(now) {
				break
			}
			ids = append(ids, string(k[8:]))
		}

		// Writing while iterating would invalidate the cursor.
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := getState(tx, id)
			if err != nil {
				return err
			}
			prev := st.PendingUndoUntil
			st.Settle()
			if err := putState(tx, st, prev); err != nil {
				return err
			}
		}
		count = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
