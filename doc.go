// Package bookmail provides direct messages between users with a separate,
// mutable mailbox state per participant.
//
// A message has one immutable body shared by its sender and recipient.
// Each participant owns a State for that message and can independently
// mark it read, archive it, or delete it. Archive and delete open a short
// undo window; Undo within the window restores the previous view, after
// it the change is final.
//
// # Basic Usage
//
//	svc, err := bookmail.NewService(
//	    bookmail.WithStore(memory.New()),
//	    bookmail.WithPermissionChecker(permission.AllowAll()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	alice := svc.Client("alice")
//	msg, err := alice.Send(ctx, bookmail.SendRequest{RecipientID: "bob", Body: "hi"})
//
//	bob := svc.Client("bob")
//	inbox, _ := bob.Inbox(ctx, bookmail.ListOptions{})
//	stateID := inbox.Entries[0].StateID
//	_ = bob.Archive(ctx, stateID)
//	_ = bob.Undo(ctx, stateID) // back in the inbox
//
// # Views
//
// Every state is in exactly one of three views: inbox, archived or
// deleted. Inbox and Archived list the first two, newest message first.
// Deleted states are never listed but stay in storage.
//
// # Errors
//
// Operations report ErrNotFound for unknown IDs, ErrPermissionDenied when
// the permission checker refuses a send, ErrExpired for an undo outside
// its window, and ErrUnauthorized for another user's state. The service
// never retries internally.
//
// # Storage Backends
//
// The store package defines the contract; implementations are:
//   - In-memory (store/memory) - for tests and single-process use
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - SQLite (store/sqlite) - accepts a file path
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - bbolt (store/bolt) - embedded single-file database
//   - Pebble (store/pebble) - embedded LSM key-value store
//
// # Events
//
// The service publishes typed events through github.com/rbaliyan/event/v3.
// Pass WithRedisClient or WithEventTransport to deliver them:
//
//	events := svc.Events()
//	events.MessageSent.Subscribe(ctx, handler)
//	events.StateRestored.Subscribe(ctx, handler)
//
// Available events:
//   - MessageSent - when a message is sent
//   - StateRead - when a state is first read
//   - StateArchived, StateDeleted - when an undo window opens
//   - StateRestored - when an undo succeeds
package bookmail
