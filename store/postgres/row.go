package postgres

import (
	"database/sql"
	"time"

	"github.com/rbaliyan/bookmail/store"
)

const (
	messageColumns = `id, sender_id, recipient_id, body, reply_to_id, created_at`
	stateColumns   = `id, message_id, user_id, read_at, visibility, previous_visibility, pending_undo_until, updated_at`
	entryColumns   = `s.id, s.message_id, s.user_id, s.read_at, s.visibility, s.previous_visibility,
		s.pending_undo_until, s.updated_at,
		m.sender_id, m.recipient_id, m.body, m.reply_to_id, m.created_at`
)

type messageRow struct {
	ID          string         `db:"id"`
	SenderID    string         `db:"sender_id"`
	RecipientID string         `db:"recipient_id"`
	Body        string         `db:"body"`
	ReplyToID   sql.NullString `db:"reply_to_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *messageRow) toMessage() *store.Message {
	return &store.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Body:        r.Body,
		ReplyToID:   r.ReplyToID.String,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

type stateRow struct {
	ID                 string       `db:"id"`
	MessageID          string       `db:"message_id"`
	UserID             string       `db:"user_id"`
	ReadAt             sql.NullTime `db:"read_at"`
	Visibility         string       `db:"visibility"`
	PreviousVisibility string       `db:"previous_visibility"`
	PendingUndoUntil   sql.NullTime `db:"pending_undo_until"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r *stateRow) toState() *store.State {
	return &store.State{
		ID:                 r.ID,
		MessageID:          r.MessageID,
		UserID:             r.UserID,
		ReadAt:             fromNullTime(r.ReadAt),
		Visibility:         store.Visibility(r.Visibility),
		PreviousVisibility: store.Visibility(r.PreviousVisibility),
		PendingUndoUntil:   fromNullTime(r.PendingUndoUntil),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

// entryRow is a state joined to its message.
type entryRow struct {
	stateRow
	SenderID    string         `db:"sender_id"`
	RecipientID string         `db:"recipient_id"`
	Body        string         `db:"body"`
	ReplyToID   sql.NullString `db:"reply_to_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *entryRow) toEntry() *store.Entry {
	msg := &store.Message{
		ID:          r.MessageID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Body:        r.Body,
		ReplyToID:   r.ReplyToID.String,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	return store.NewEntry(msg, r.toState())
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// truncate drops precision PostgreSQL cannot store, so returned values
// match what a later read sees.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := truncate(*t)
	return &u
}
