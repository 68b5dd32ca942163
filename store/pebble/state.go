package pebble

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rbaliyan/bookmail/store"
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
	return getState(db, id)
}

// UpdateState applies fn under the state's mutex and commits the state
// together with its index changes.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	lock := s.getStateLock(id)
	lock.Lock()
	defer lock.Unlock()

	orig, err := getState(db, id)
	if err != nil {
		return nil, err
	}
	st := orig.Clone()
	if err := fn(st); err != nil {
		return nil, err
	}
	st.ID = orig.ID
	st.MessageID = orig.MessageID
	st.UserID = orig.UserID

	b := db.NewBatch()
	defer b.Close()

	if err := setJSON(b, stateKey(id), st); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if st.Visibility != orig.Visibility {
		msg, err := getMessage(db, st.MessageID)
		if err != nil {
			return nil, fmt.Errorf("load message: %w", err)
		}
		if err := b.Delete(indexKey(orig, msg.CreatedAt), nil); err != nil {
			return nil, err
		}
		if err := b.Set(indexKey(st, msg.CreatedAt), []byte(id), nil); err != nil {
			return nil, err
		}
	}
	if err := movePending(b, id, orig.PendingUndoUntil, st.PendingUndoUntil); err != nil {
		return nil, err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	return st, nil
}

// movePending keeps the pending index in step with a state's undo window.
func movePending(b *pebble.Batch, id string, from, to *time.Time) error {
	if from != nil && (to == nil || !from.Equal(*to)) {
		if err := b.Delete(pendingKey(*from, id), nil); err != nil {
			return err
		}
	}
	if to != nil && (from == nil || !from.Equal(*to)) {
		if err := b.Set(pendingKey(*to, id), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// ListEntries scans the user's view index in a snapshot.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	snap := db.NewSnapshot()
	defer snap.Close()

	iter, err := prefixIter(snap, viewPrefix(userID, visibility))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	offset := max(opts.Offset, 0)
	var (
		total   int64
		entries []*store.Entry
	)
	for iter.First(); iter.Valid(); iter.Next() {
		total++
		if total <= int64(offset) || (opts.Limit > 0 && len(entries) >= opts.Limit) {
			continue
		}
		st, err := getState(snap, string(iter.Value()))
		if err != nil {
			return nil, err
		}
		msg, err := getMessage(snap, st.MessageID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, store.NewEntry(msg, st))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return &store.EntryList{
		Entries: entries,
		Total:   total,
		HasMore: int64(offset+len(entries)) < total,
	}, nil
}

// SettleExpired walks the pending index in window order and clears the
// windows that ended before now.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	candidates, err := expiredStates(db, now, limit)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		settled, err := s.settle(db, id, now)
		if err != nil {
			return count, err
		}
		if settled {
			count++
		}
	}
	return count, nil
}

func expiredStates(db *pebble.DB, now time.Time, limit int) ([]string, error) {
	iter, err := prefixIter(db, prefixPending)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	bound := sortable(now.UnixNano())
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		k := iter.Key()[len(prefixPending):]
		if binary.BigEndian.Uint64(k[:8]) >= bound {
			break
		}
		ids = append(ids, string(k[8:]))
	}
	return ids, iter.Error()
}

// settle re-checks the window under the state's mutex, since an undo or
// refresh may have won the race.
func (s *Store) settle(db *pebble.DB, id string, now time.Time) (bool, error) {
	lock := s.getStateLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := getState(db, id)
	if err != nil {
		return false, err
	}
	if st.PendingUndoUntil == nil || !st.PendingUndoUntil.Before(now) {
		return false, nil
	}

	until := *st.PendingUndoUntil
	st.Settle()

	b := db.NewBatch()
	defer b.Close()
	if err := setJSON(b, stateKey(id), st); err != nil {
		return false, err
	}
	if err := b.Delete(pendingKey(until, id), nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("commit settle: %w", err)
	}
	return true, nil
}
