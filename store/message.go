package store

import (
	"sort"
	"time"
)

// Visibility is the view a state currently belongs to in its owner's mailbox.
type Visibility string

// Visibility values.
const (
	VisibilityInbox    Visibility = "inbox"
	VisibilityArchived Visibility = "archived"
	VisibilityDeleted  Visibility = "deleted"
)

// IsValid reports whether v is one of the known visibilities.
func (v Visibility) IsValid() bool {
	switch v {
	case VisibilityInbox, VisibilityArchived, VisibilityDeleted:
		return true
	}
	return false
}

func (v Visibility) String() string {
	return string(v)
}

// Message is an immutable message shared by its two participants.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	ReplyToID   string    `json:"reply_to_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// HasParticipant reports whether userID is the sender or the recipient.
func (m *Message) HasParticipant(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// State is the mutable, per-user view of a message.
type State struct {
	ID        string     `json:"id"`
	MessageID string     `json:"message_id"`
	UserID    string     `json:"user_id"`
	ReadAt    *time.Time `json:"read_at,omitempty"`

	Visibility Visibility `json:"visibility"`
	// PreviousVisibility is the view Undo restores. It is only set while
	// PendingUndoUntil is set.
	PreviousVisibility Visibility `json:"previous_visibility,omitempty"`
	PendingUndoUntil   *time.Time `json:"pending_undo_until,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.ReadAt = CloneTime(s.ReadAt)
	c.PendingUndoUntil = CloneTime(s.PendingUndoUntil)
	return &c
}

// IsRead reports whether the state has been read.
func (s *State) IsRead() bool {
	return s.ReadAt != nil
}

// Archived reports whether the message sits, or will be restored, in the archive.
// A deleted state counts as archived when undo would bring it back there.
func (s *State) Archived() bool {
	if s.Visibility == VisibilityArchived {
		return true
	}
	return s.Visibility == VisibilityDeleted && s.PreviousVisibility == VisibilityArchived
}

// Deleted reports whether the state is deleted, pending or settled.
func (s *State) Deleted() bool {
	return s.Visibility == VisibilityDeleted
}

// Pending reports whether an undo window is open at now.
// The window is inclusive of its end.
func (s *State) Pending(now time.Time) bool {
	return s.PendingUndoUntil != nil && !now.After(*s.PendingUndoUntil)
}

// Settled reports whether the state has no open undo window at now.
func (s *State) Settled(now time.Time) bool {
	return !s.Pending(now)
}

// Settle clears the undo window.
func (s *State) Settle() {
	s.PendingUndoUntil = nil
	s.PreviousVisibility = ""
}

// NewState returns the initial state of a participant.
func NewState(id, messageID, userID string, now time.Time) *State {
	return &State{
		ID:         id,
		MessageID:  messageID,
		UserID:     userID,
		Visibility: VisibilityInbox,
		UpdatedAt:  now,
	}
}

// Entry is one row of an inbox or archive listing.
type Entry struct {
	Message *Message   `json:"message"`
	StateID string     `json:"state_id"`
	ReadAt  *time.Time `json:"read_at"`
	State   *State     `json:"-"`
}

// NewEntry joins a state to its message.
func NewEntry(msg *Message, st *State) *Entry {
	return &Entry{
		Message: msg,
		StateID: st.ID,
		ReadAt:  CloneTime(st.ReadAt),
		State:   st,
	}
}

// CloneTime copies a time pointer.
func CloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SortEntries orders entries newest message first, then by message ID descending.
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Message, entries[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// SortReplies orders messages oldest first, then by ID ascending.
func SortReplies(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Page sorts entries and applies opts. Backends that cannot page natively
// load every match and use this.
func Page(entries []*Entry, opts ListOptions) *EntryList {
	SortEntries(entries)
	total := int64(len(entries))

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(entries) {
		start = len(entries)
	}
	end := len(entries)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	return &EntryList{
		Entries: entries[start:end],
		Total:   total,
		HasMore: end < len(entries),
	}
}
