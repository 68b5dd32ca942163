package permission

import (
	"context"

	"github.com/rbaliyan/bookmail"
)

var _ bookmail.PermissionChecker = (*Directory)(nil)

// Directory permits sends between known users only.
// Safe for concurrent use (read-only after creation).
type Directory struct {
	users map[string]struct{}
}

// NewDirectory creates a Directory from a list of user IDs.
// The list is copied to prevent external mutation.
func NewDirectory(userIDs []string) *Directory {
	m := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		m[id] = struct{}{}
	}
	return &Directory{users: m}
}

// Contains reports whether userID is a known user.
func (d *Directory) Contains(userID string) bool {
	_, ok := d.users[userID]
	return ok
}

// Len returns the number of known users.
func (d *Directory) Len() int {
	return len(d.users)
}

// CanSend permits the send when both participants are known.
func (d *Directory) CanSend(_ context.Context, senderID, recipientID string) (bool, error) {
	return d.Contains(senderID) && d.Contains(recipientID), nil
}
