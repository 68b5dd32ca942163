package bookmail

import "context"

// PermissionChecker decides whether a sender may message a recipient.
// Implementations live in the permission package. A false result without
// an error is reported to the caller as ErrPermissionDenied; an error is
// reported as is and treated as a failed check.
type PermissionChecker interface {
	CanSend(ctx context.Context, senderID, recipientID string) (bool, error)
}

// PermissionFunc adapts a function to the PermissionChecker interface.
type PermissionFunc func(ctx context.Context, senderID, recipientID string) (bool, error)

// CanSend calls f.
func (f PermissionFunc) CanSend(ctx context.Context, senderID, recipientID string) (bool, error) {
	return f(ctx, senderID, recipientID)
}

// allowAll permits every send. It is the default checker.
type allowAll struct{}

func (allowAll) CanSend(context.Context, string, string) (bool, error) {
	return true, nil
}
