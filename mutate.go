package bookmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.opentelemetry.io/otel/attribute"
)

// Transition names, used for telemetry and logging.
const (
	opRead    = "read"
	opArchive = "archive"
	opDelete  = "delete"
	opUndo    = "undo"
)

// errUnchanged aborts an UpdateState without writing when a transition is a no-op.
var errUnchanged = errors.New("bookmail: state unchanged")

// transitionFunc applies one transition to st at now. It returns
// errUnchanged when there is nothing to write.
type transitionFunc func(st *store.State, now time.Time) error

// markRead stamps ReadAt once. A settled deleted state cannot be read.
func markRead(st *store.State, now time.Time) error {
	if st.Deleted() && !st.Pending(now) {
		return ErrStateDeleted
	}
	if st.ReadAt != nil {
		return errUnchanged
	}
	t := now
	st.ReadAt = &t
	st.UpdatedAt = now
	return nil
}

// archive returns a transition that moves an inbox state to the archive.
// Archiving an archived state refreshes the window and keeps the restore
// target of a window that is still open. Once that window has settled the
// archive is treated as new, so undo returns the state to the inbox.
func archive(window time.Duration) transitionFunc {
	return func(st *store.State, now time.Time) error {
		switch st.Visibility {
		case store.VisibilityDeleted:
			return ErrStateDeleted
		case store.VisibilityArchived:
			if !st.Pending(now) {
				st.PreviousVisibility = store.VisibilityInbox
			}
		default:
			st.PreviousVisibility = st.Visibility
			st.Visibility = store.VisibilityArchived
		}
		openWindow(st, now, window)
		return nil
	}
}

// remove returns a transition that deletes an inbox or archived state.
// Deleting a deleted state refreshes the window while it is open; once
// settled the state is gone for good.
func remove(window time.Duration) transitionFunc {
	return func(st *store.State, now time.Time) error {
		if st.Deleted() {
			if !st.Pending(now) {
				return ErrStateDeleted
			}
		} else {
			st.PreviousVisibility = st.Visibility
			st.Visibility = store.VisibilityDeleted
		}
		openWindow(st, now, window)
		return nil
	}
}

// undo restores the visibility saved by the last archive or delete.
// The window is inclusive: undo at exactly PendingUndoUntil succeeds.
func undo(st *store.State, now time.Time) error {
	if !st.Pending(now) {
		return ErrExpired
	}
	prev := st.PreviousVisibility
	if !prev.IsValid() {
		prev = store.VisibilityInbox
	}
	st.Visibility = prev
	st.Settle()
	st.UpdatedAt = now
	return nil
}

func openWindow(st *store.State, now time.Time, window time.Duration) {
	until := now.Add(window)
	st.PendingUndoUntil = &until
	st.UpdatedAt = now
}

// transitionResult captures a state before and after a transition.
type transitionResult struct {
	before  *store.State
	after   *store.State
	changed bool
}

// MarkRead stamps the read time of one of the user's states.
func (m *userMailbox) MarkRead(ctx context.Context, stateID string) error {
	res, err := m.transition(ctx, opRead, stateID, markRead)
	if err != nil || !res.changed {
		return err
	}
	return publish(ctx, m.service, m.service.events.StateRead, "StateRead", stateID, StateReadEvent{
		StateID:   res.after.ID,
		MessageID: res.after.MessageID,
		UserID:    res.after.UserID,
		ReadAt:    *res.after.ReadAt,
	})
}

// Archive moves one of the user's states to the archive.
func (m *userMailbox) Archive(ctx context.Context, stateID string) error {
	res, err := m.transition(ctx, opArchive, stateID, archive(m.service.opts.undoWindow))
	if err != nil {
		return err
	}
	return publish(ctx, m.service, m.service.events.StateArchived, "StateArchived", stateID, changedEvent(res))
}

// Delete removes one of the user's states from every listing.
func (m *userMailbox) Delete(ctx context.Context, stateID string) error {
	res, err := m.transition(ctx, opDelete, stateID, remove(m.service.opts.undoWindow))
	if err != nil {
		return err
	}
	return publish(ctx, m.service, m.service.events.StateDeleted, "StateDeleted", stateID, changedEvent(res))
}

// Undo reverts the last archive or delete of one of the user's states.
func (m *userMailbox) Undo(ctx context.Context, stateID string) error {
	res, err := m.transition(ctx, opUndo, stateID, undo)
	m.service.otel.recordUndo(ctx, err)
	if err != nil {
		return err
	}
	return publish(ctx, m.service, m.service.events.StateRestored, "StateRestored", stateID, StateRestoredEvent{
		StateID:    res.after.ID,
		MessageID:  res.after.MessageID,
		UserID:     res.after.UserID,
		From:       res.before.Visibility,
		To:         res.after.Visibility,
		RestoredAt: res.after.UpdatedAt,
	})
}

// transition applies fn to the state under the store's per-state
// serialization. Ownership is checked inside the update so a foreign
// state is never written.
func (m *userMailbox) transition(ctx context.Context, op, stateID string, fn transitionFunc) (res *transitionResult, err error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "bookmail."+op,
		attribute.String("user_id", m.userID),
		attribute.String("state_id", stateID),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		m.service.otel.recordTransition(ctx, time.Since(start), op, err)
	}()

	res = &transitionResult{}
	after, err := m.service.store.UpdateState(ctx, stateID, func(st *store.State) error {
		if st.UserID != m.userID {
			return ErrUnauthorized
		}
		res.before = st.Clone()
		return fn(st, m.service.clock.Now())
	})
	switch {
	case errors.Is(err, errUnchanged):
		return res, nil
	case err != nil:
		m.service.logger.Debug("transition rejected", "op", op, "state_id", stateID, "user_id", m.userID, "error", err)
		return nil, fmt.Errorf("%s: %w", op, storeError(err))
	}

	res.after = after
	res.changed = true
	return res, nil
}

func changedEvent(res *transitionResult) StateChangedEvent {
	ev := StateChangedEvent{
		StateID:   res.after.ID,
		MessageID: res.after.MessageID,
		UserID:    res.after.UserID,
		From:      res.before.Visibility,
		ChangedAt: res.after.UpdatedAt,
	}
	if res.after.PendingUndoUntil != nil {
		ev.UndoUntil = *res.after.PendingUndoUntil
	}
	return ev
}
