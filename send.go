package bookmail

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.opentelemetry.io/otel/attribute"
)

// SendRequest describes a message to send. The sender is the mailbox owner.
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	// ReplyToID optionally names a message the sender participates in.
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// Send validates req, consults the permission checker and stores the
// message with one state per participant in a single atomic store call.
func (m *userMailbox) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	// Validate before acquiring the semaphore to avoid wasting slots.
	if err := ValidateRecipient(m.userID, req.RecipientID); err != nil {
		return nil, err
	}
	if err := ValidateBodyWithLimit(req.Body, m.service.opts.maxBodySize); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "bookmail.send",
		attribute.String("user_id", m.userID),
		attribute.String("recipient_id", req.RecipientID),
		attribute.Bool("reply", req.ReplyToID != ""),
	)
	start := time.Now()
	var sendErr error
	defer func() {
		endSpan(sendErr)
		m.service.otel.recordSend(ctx, time.Since(start), sendErr)
	}()

	if err := m.service.sendSem.Acquire(ctx, 1); err != nil {
		sendErr = err
		return nil, sendErr
	}
	defer m.service.sendSem.Release(1)

	allowed, err := m.service.opts.permission.CanSend(ctx, m.userID, req.RecipientID)
	if err != nil {
		sendErr = fmt.Errorf("check permission: %w", err)
		return nil, sendErr
	}
	if !allowed {
		m.service.logger.Debug("send denied", "sender_id", m.userID, "recipient_id", req.RecipientID)
		sendErr = ErrPermissionDenied
		return nil, sendErr
	}

	if req.ReplyToID != "" {
		if sendErr = m.checkReplyTarget(ctx, req.ReplyToID); sendErr != nil {
			return nil, sendErr
		}
	}

	if err := m.service.plugins.beforeSend(ctx, m.userID, req); err != nil {
		sendErr = err
		return nil, sendErr
	}

	msg, states, err := m.service.store.CreateMessage(ctx, store.MessageData{
		SenderID:    m.userID,
		RecipientID: req.RecipientID,
		Body:        req.Body,
		ReplyToID:   req.ReplyToID,
		CreatedAt:   m.service.clock.Now(),
	})
	if err != nil {
		sendErr = fmt.Errorf("create message: %w", storeError(err))
		return nil, sendErr
	}
	if len(states) != 2 {
		sendErr = fmt.Errorf("create message: store returned %d states", len(states))
		return nil, sendErr
	}

	m.service.logger.Debug("message sent",
		"message_id", msg.ID, "sender_id", msg.SenderID, "recipient_id", msg.RecipientID)

	if err := publish(ctx, m.service, m.service.events.MessageSent, "MessageSent", msg.ID, MessageSentEvent{
		MessageID:        msg.ID,
		SenderID:         msg.SenderID,
		RecipientID:      msg.RecipientID,
		SenderStateID:    states[0].ID,
		RecipientStateID: states[1].ID,
		ReplyToID:        msg.ReplyToID,
		SentAt:           msg.CreatedAt,
	}); err != nil {
		sendErr = err
		return msg, sendErr
	}

	if err := m.service.plugins.afterSend(ctx, m.userID, msg); err != nil {
		sendErr = err
		return msg, sendErr
	}

	return msg, nil
}

// checkReplyTarget verifies the replied-to message exists and the sender
// took part in it. Messages of other users are reported as not found.
func (m *userMailbox) checkReplyTarget(ctx context.Context, replyToID string) error {
	parent, err := m.service.store.GetMessage(ctx, replyToID)
	if err != nil {
		return fmt.Errorf("reply target: %w", storeError(err))
	}
	if !parent.HasParticipant(m.userID) {
		return fmt.Errorf("reply target: %w", ErrNotFound)
	}
	return nil
}
