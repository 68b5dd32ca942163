// Package permission provides bookmail.PermissionChecker implementations.
//
// Checkers compose with All:
//
//	checker := permission.All(
//		permission.NewDirectory(users),
//		permission.NewBlocklist(redisClient),
//	)
//	svc, err := bookmail.NewService(bookmail.WithPermissionChecker(checker), ...)
package permission

import (
	"context"

	"github.com/rbaliyan/bookmail"
)

// Func adapts a function to bookmail.PermissionChecker.
type Func = bookmail.PermissionFunc

// AllowAll returns a checker that permits every send.
func AllowAll() bookmail.PermissionChecker {
	return Func(func(context.Context, string, string) (bool, error) { return true, nil })
}

// DenyAll returns a checker that rejects every send.
func DenyAll() bookmail.PermissionChecker {
	return Func(func(context.Context, string, string) (bool, error) { return false, nil })
}

// All returns a checker that permits a send only if every checker does.
// Checkers run in order and evaluation stops at the first denial or error.
// With no checkers every send is permitted.
func All(checkers ...bookmail.PermissionChecker) bookmail.PermissionChecker {
	list := make([]bookmail.PermissionChecker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			list = append(list, c)
		}
	}
	return Func(func(ctx context.Context, senderID, recipientID string) (bool, error) {
		for _, c := range list {
			ok, err := c.CanSend(ctx, senderID, recipientID)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}
