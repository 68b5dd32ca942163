package memory

import (
	"context"
	"time"

	"github.com/rbaliyan/bookmail/store"
)

// UpdateState applies fn to a copy of the state.
// Uses per-state locking to serialize concurrent mutations of one state.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	lock := s.getStateLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	orig, ok := s.states[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	// Copy-on-write: clone, modify, store (atomic within the state lock)
	st := orig.Clone()
	if err := fn(st); err != nil {
		return nil, err
	}
	st.ID = orig.ID
	st.MessageID = orig.MessageID
	st.UserID = orig.UserID

	s.mu.Lock()
	s.states[id] = st.Clone()
	s.mu.Unlock()

	return st, nil
}

// SettleExpired clears undo windows that ended before now.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	var candidates []string
	for id, st := range s.states {
		if st.PendingUndoUntil != nil && st.PendingUndoUntil.Before(now) {
			candidates = append(candidates, id)
			if limit > 0 && len(candidates) >= limit {
				break
			}
		}
	}
	s.mu.RUnlock()

	var count int64
	for _, id := range candidates {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		lock := s.getStateLock(id)
		lock.Lock()
		s.mu.Lock()
		// Re-check under the lock: an undo or refresh may have won the race.
		if st, ok := s.states[id]; ok && st.PendingUndoUntil != nil && st.PendingUndoUntil.Before(now) {
			c := st.Clone()
			c.Settle()
			s.states[id] = c
			count++
		}
		s.mu.Unlock()
		lock.Unlock()
	}

	return count, nil
}
