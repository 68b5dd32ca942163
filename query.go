package bookmail

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.opentelemetry.io/otel/attribute"
)

// Inbox lists the user's states that are neither archived nor deleted.
func (m *userMailbox) Inbox(ctx context.Context, opts ListOptions) (*EntryList, error) {
	return m.list(ctx, store.VisibilityInbox, opts)
}

// Archived lists the user's archived states that are not deleted.
func (m *userMailbox) Archived(ctx context.Context, opts ListOptions) (*EntryList, error) {
	return m.list(ctx, store.VisibilityArchived, opts)
}

// list adds OTel instrumentation around a store listing.
func (m *userMailbox) list(ctx context.Context, visibility store.Visibility, opts ListOptions) (list *EntryList, err error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, &ValidationError{Field: "limit", Message: "limit and offset must not be negative"}
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "bookmail.list",
		attribute.String("user_id", m.userID),
		attribute.String("visibility", visibility.String()),
	)
	start := time.Now()
	defer func() {
		count := 0
		if list != nil {
			count = len(list.Entries)
		}
		endSpan(err)
		m.service.otel.recordList(ctx, time.Since(start), visibility.String(), count, err)
	}()

	list, err = m.service.store.ListEntries(ctx, m.userID, visibility, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", visibility, storeError(err))
	}
	return list, nil
}

// Message returns a message the user sent or received. Messages of other
// users are reported as ErrUnauthorized.
func (m *userMailbox) Message(ctx context.Context, messageID string) (msg *Message, err error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "bookmail.get",
		attribute.String("user_id", m.userID),
		attribute.String("message_id", messageID),
	)
	defer func() { endSpan(err) }()

	msg, err = m.service.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", storeError(err))
	}
	if !msg.HasParticipant(m.userID) {
		return nil, ErrUnauthorized
	}
	return msg, nil
}

// Replies returns the replies to a message the user participates in.
// Replies exchanged between other users are filtered out.
func (m *userMailbox) Replies(ctx context.Context, messageID string) ([]*Message, error) {
	if _, err := m.Message(ctx, messageID); err != nil {
		return nil, err
	}

	replies, err := m.service.store.ListReplies(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", storeError(err))
	}

	visible := replies[:0]
	for _, r := range replies {
		if r.HasParticipant(m.userID) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}
