package bookmail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/bookmail/store/memory"
)

// fakeClock is a controllable Clock for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestService(t *testing.T, opts ...Option) Service {
	t.Helper()
	opts = append([]Option{WithStore(memory.New())}, opts...)
	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return svc
}

// mustSend sends body from one user to another and returns the message.
func mustSend(t *testing.T, from Mailbox, to, body string) *Message {
	t.Helper()
	msg, err := from.Send(context.Background(), SendRequest{RecipientID: to, Body: body})
	if err != nil {
		t.Fatalf("send %s -> %s: %v", from.UserID(), to, err)
	}
	return msg
}

// stateFor returns the inbox state ID of msg in mb.
func stateFor(t *testing.T, mb Mailbox, msg *Message) string {
	t.Helper()
	list, err := mb.Inbox(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	for _, e := range list.Entries {
		if e.Message.ID == msg.ID {
			return e.StateID
		}
	}
	t.Fatalf("message %s not in %s inbox", msg.ID, mb.UserID())
	return ""
}

func listIDs(t *testing.T, list func(context.Context, ListOptions) (*EntryList, error)) []string {
	t.Helper()
	l, err := list(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		ids = append(ids, e.StateID)
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("creates service with store", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
		if svc.IsConnected() {
			t.Error("new service should not be connected")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	svc, err := NewService(WithStore(memory.New()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected")
	}
	if svc.Events() == nil {
		t.Error("expected events after connect")
	}

	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}
}

func TestUserMailbox(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	t.Run("UserID returns correct ID", func(t *testing.T) {
		mb := svc.Client("user123")
		if mb.UserID() != "user123" {
			t.Errorf("expected UserID 'user123', got %q", mb.UserID())
		}
	})

	t.Run("operations fail when not connected", func(t *testing.T) {
		disconnected, _ := NewService(WithStore(memory.New()))
		mb := disconnected.Client("user123")

		if _, err := mb.Inbox(ctx, ListOptions{}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := mb.Archive(ctx, "state"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if _, err := disconnected.Settle(ctx); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("invalid user ID is rejected", func(t *testing.T) {
		mb := svc.Client("user:with:colons")
		if _, err := mb.Inbox(ctx, ListOptions{}); !errors.Is(err, ErrInvalidUserID) {
			t.Errorf("expected ErrInvalidUserID, got %v", err)
		}
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")

	msg := mustSend(t, alice, "bob", "hi")

	if msg.SenderID != "alice" || msg.RecipientID != "bob" || msg.Body != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !msg.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, clock.Now())
	}

	t.Run("both participants see exactly one entry", func(t *testing.T) {
		for _, mb := range []Mailbox{alice, bob} {
			list, err := mb.Inbox(ctx, ListOptions{})
			if err != nil {
				t.Fatalf("inbox: %v", err)
			}
			if len(list.Entries) != 1 {
				t.Fatalf("%s: expected 1 entry, got %d", mb.UserID(), len(list.Entries))
			}
			e := list.Entries[0]
			if e.Message.ID != msg.ID {
				t.Errorf("%s: entry message %s, want %s", mb.UserID(), e.Message.ID, msg.ID)
			}
			if e.ReadAt != nil {
				t.Errorf("%s: new entry should be unread", mb.UserID())
			}
		}
		if stateFor(t, alice, msg) == stateFor(t, bob, msg) {
			t.Error("participants must have distinct states")
		}
	})

	t.Run("newest first", func(t *testing.T) {
		clock.Advance(time.Second)
		second := mustSend(t, bob, "alice", "second")
		list, err := alice.Inbox(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if len(list.Entries) != 2 || list.Entries[0].Message.ID != second.ID {
			t.Fatalf("expected newest message first, got %d entries", len(list.Entries))
		}
	})

	t.Run("paging", func(t *testing.T) {
		list, err := alice.Inbox(ctx, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if len(list.Entries) != 1 || list.Total != 2 || !list.HasMore {
			t.Errorf("got %d entries total=%d hasMore=%v", len(list.Entries), list.Total, list.HasMore)
		}
		if _, err := alice.Inbox(ctx, ListOptions{Limit: -1}); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("expected validation error for negative limit, got %v", err)
		}
	})
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithMaxBodySize(8))
	defer svc.Close(ctx)

	alice := svc.Client("alice")

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"self", SendRequest{RecipientID: "alice", Body: "hi"}, ErrInvalidRecipient},
		{"empty recipient", SendRequest{RecipientID: "", Body: "hi"}, ErrInvalidRecipient},
		{"bad recipient", SendRequest{RecipientID: "bo b", Body: "hi"}, ErrInvalidRecipient},
		{"blank body", SendRequest{RecipientID: "bob", Body: "  \n"}, ErrEmptyBody},
		{"too large", SendRequest{RecipientID: "bob", Body: "123456789"}, ErrBodyTooLarge},
		{"unknown reply", SendRequest{RecipientID: "bob", Body: "hi", ReplyToID: "missing"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alice.Send(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if ids := listIDs(t, svc.Client("bob").Inbox); len(ids) != 0 {
		t.Errorf("rejected sends must not write, bob has %d entries", len(ids))
	}
}

func TestPermissionGate(t *testing.T) {
	ctx := context.Background()

	t.Run("denied send writes nothing", func(t *testing.T) {
		deny := PermissionFunc(func(_ context.Context, sender, recipient string) (bool, error) {
			return !(sender == "alice" && recipient == "bob"), nil
		})
		svc := setupTestService(t, WithPermissionChecker(deny))
		defer svc.Close(ctx)

		_, err := svc.Client("alice").Send(ctx, SendRequest{RecipientID: "bob", Body: "hi"})
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", err)
		}
		for _, user := range []string{"alice", "bob"} {
			if ids := listIDs(t, svc.Client(user).Inbox); len(ids) != 0 {
				t.Errorf("%s: expected no entries, got %d", user, len(ids))
			}
		}

		// The checker is directional.
		if _, err := svc.Client("bob").Send(ctx, SendRequest{RecipientID: "alice", Body: "hi"}); err != nil {
			t.Errorf("bob -> alice should be allowed: %v", err)
		}
	})

	t.Run("checker error is reported", func(t *testing.T) {
		boom := errors.New("directory offline")
		svc := setupTestService(t, WithPermissionChecker(PermissionFunc(
			func(context.Context, string, string) (bool, error) { return false, boom },
		)))
		defer svc.Close(ctx)

		_, err := svc.Client("alice").Send(ctx, SendRequest{RecipientID: "bob", Body: "hi"})
		if !errors.Is(err, boom) {
			t.Errorf("expected checker error, got %v", err)
		}
		if errors.Is(err, ErrPermissionDenied) {
			t.Error("checker failure should not look like a denial")
		}
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	msg := mustSend(t, svc.Client("alice"), "bob", "hi")
	id := stateFor(t, bob, msg)

	if err := bob.MarkRead(ctx, id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	first := clock.Now()

	clock.Advance(time.Minute)
	if err := bob.MarkRead(ctx, id); err != nil {
		t.Fatalf("second mark read: %v", err)
	}

	list, err := bob.Inbox(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if got := list.Entries[0].ReadAt; got == nil || !got.Equal(first) {
		t.Errorf("ReadAt = %v, want %v", got, first)
	}

	// The sender's copy is independent.
	alice := svc.Client("alice")
	list, _ = alice.Inbox(ctx, ListOptions{})
	if list.Entries[0].ReadAt != nil {
		t.Error("marking bob's state read must not touch alice's")
	}

	// Reading does not open or touch an undo window.
	if err := bob.Undo(ctx, id); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired for undo after read, got %v", err)
	}
}

func TestArchiveUndo(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")

	msg := mustSend(t, alice, "bob", "hi")
	id := stateFor(t, bob, msg)

	if err := bob.Archive(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if contains(listIDs(t, bob.Inbox), id) {
		t.Error("archived state still in inbox")
	}
	if !contains(listIDs(t, bob.Archived), id) {
		t.Error("archived state missing from archive")
	}
	if len(listIDs(t, alice.Inbox)) != 1 {
		t.Error("archiving bob's copy must not affect alice")
	}

	clock.Advance(time.Second)
	if err := bob.Undo(ctx, id); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !contains(listIDs(t, bob.Inbox), id) {
		t.Error("undo did not restore the inbox entry")
	}
	if contains(listIDs(t, bob.Archived), id) {
		t.Error("undone state still in archive")
	}

	if err := bob.Undo(ctx, id); !errors.Is(err, ErrExpired) {
		t.Errorf("second undo: expected ErrExpired, got %v", err)
	}
}

func TestUndoWindow(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"inside", DefaultUndoWindow - time.Second, nil},
		{"exactly at end", DefaultUndoWindow, nil},
		{"after end", DefaultUndoWindow + time.Second, ErrExpired},
		{"just after end", DefaultUndoWindow + time.Nanosecond, ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			svc := setupTestService(t, WithClock(clock))
			defer svc.Close(ctx)

			bob := svc.Client("bob")
			id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

			if err := bob.Archive(ctx, id); err != nil {
				t.Fatalf("archive: %v", err)
			}
			clock.Advance(tt.advance)

			err := bob.Undo(ctx, id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("undo: expected %v, got %v", tt.wantErr, err)
			}
			archived := contains(listIDs(t, bob.Archived), id)
			if tt.wantErr == nil && archived {
				t.Error("successful undo should leave the archive")
			}
			if tt.wantErr != nil && !archived {
				t.Error("expired undo must leave the state archived")
			}
		})
	}
}

func TestCustomUndoWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock), WithUndoWindow(time.Minute))
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

	if err := bob.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := bob.Undo(ctx, id); err != nil {
		t.Errorf("undo inside a one minute window: %v", err)
	}
}

func TestUndoWithoutPendingAction(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

	if err := bob.Undo(ctx, id); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestArchiveRefreshesWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

	if err := bob.Archive(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	clock.Advance(3 * time.Second)
	if err := bob.Archive(ctx, id); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	clock.Advance(4 * time.Second) // past the first window, inside the second

	if err := bob.Undo(ctx, id); err != nil {
		t.Fatalf("undo after refresh: %v", err)
	}
	// The refresh kept the original restore target.
	if !contains(listIDs(t, bob.Inbox), id) {
		t.Error("expected state back in the inbox")
	}
}

func TestArchiveAfterSettledArchive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

	if err := bob.Archive(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	clock.Advance(DefaultUndoWindow + 5*time.Second)
	if err := bob.Archive(ctx, id); err != nil {
		t.Fatalf("archive after settle: %v", err)
	}
	clock.Advance(time.Second)

	if err := bob.Undo(ctx, id); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !contains(listIDs(t, bob.Inbox), id) {
		t.Error("expected state back in the inbox")
	}
	if contains(listIDs(t, bob.Archived), id) {
		t.Error("state still listed in the archive")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")

	t.Run("from inbox", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "one"))
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if contains(listIDs(t, bob.Inbox), id) || contains(listIDs(t, bob.Archived), id) {
			t.Error("deleted state must not be listed")
		}
		if err := bob.Undo(ctx, id); err != nil {
			t.Fatalf("undo: %v", err)
		}
		if !contains(listIDs(t, bob.Inbox), id) {
			t.Error("undo should restore to the inbox")
		}
	})

	t.Run("from archive", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "two"))
		if err := bob.Archive(ctx, id); err != nil {
			t.Fatalf("archive: %v", err)
		}
		clock.Advance(DefaultUndoWindow + time.Second)
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if contains(listIDs(t, bob.Archived), id) {
			t.Error("deleted state must leave the archive")
		}
		if err := bob.Undo(ctx, id); err != nil {
			t.Fatalf("undo: %v", err)
		}
		if !contains(listIDs(t, bob.Archived), id) {
			t.Error("undo should restore to the archive")
		}
		if contains(listIDs(t, bob.Inbox), id) {
			t.Error("undo of delete must not land in the inbox")
		}
	})

	t.Run("pending archive then delete", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "three"))
		if err := bob.Archive(ctx, id); err != nil {
			t.Fatalf("archive: %v", err)
		}
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := bob.Undo(ctx, id); err != nil {
			t.Fatalf("undo: %v", err)
		}
		// Undo reverts the delete only.
		if !contains(listIDs(t, bob.Archived), id) {
			t.Error("expected state back in the archive")
		}
	})

	t.Run("read while delete is pending", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "read me"))
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := bob.MarkRead(ctx, id); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if err := bob.Archive(ctx, id); !errors.Is(err, ErrStateDeleted) {
			t.Errorf("archive: expected ErrStateDeleted, got %v", err)
		}
		if err := bob.Undo(ctx, id); err != nil {
			t.Fatalf("undo: %v", err)
		}
		list, err := bob.Inbox(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		for _, e := range list.Entries {
			if e.StateID == id && e.ReadAt == nil {
				t.Error("read time lost across undo")
			}
		}
		if !contains(listIDs(t, bob.Inbox), id) {
			t.Error("expected state back in the inbox")
		}
	})

	t.Run("settled delete is final", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "four"))
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		clock.Advance(DefaultUndoWindow + time.Second)

		if err := bob.Undo(ctx, id); !errors.Is(err, ErrExpired) {
			t.Errorf("undo: expected ErrExpired, got %v", err)
		}
		for name, op := range map[string]func(context.Context, string) error{
			"delete":    bob.Delete,
			"archive":   bob.Archive,
			"mark read": bob.MarkRead,
		} {
			err := op(ctx, id)
			if !errors.Is(err, ErrStateDeleted) || !errors.Is(err, ErrNotFound) {
				t.Errorf("%s: expected ErrStateDeleted, got %v", name, err)
			}
		}
	})

	t.Run("repeat delete refreshes window", func(t *testing.T) {
		id := stateFor(t, bob, mustSend(t, alice, "bob", "five"))
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		clock.Advance(3 * time.Second)
		if err := bob.Delete(ctx, id); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		clock.Advance(4 * time.Second)
		if err := bob.Undo(ctx, id); err != nil {
			t.Fatalf("undo: %v", err)
		}
		if !contains(listIDs(t, bob.Inbox), id) {
			t.Error("expected state back in the inbox")
		}
	})
}

func TestViewsAreExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	id := stateFor(t, bob, mustSend(t, svc.Client("alice"), "bob", "hi"))

	check := func(step string) {
		t.Helper()
		in := contains(listIDs(t, bob.Inbox), id)
		ar := contains(listIDs(t, bob.Archived), id)
		if in && ar {
			t.Fatalf("%s: state listed in both views", step)
		}
	}

	steps := []struct {
		name string
		op   func(context.Context, string) error
	}{
		{"archive", bob.Archive},
		{"delete", bob.Delete},
		{"undo", bob.Undo},
		{"read", bob.MarkRead},
		{"archive again", bob.Archive},
		{"undo again", bob.Undo},
	}
	check("initial")
	for _, s := range steps {
		if err := s.op(ctx, id); err != nil && !errors.Is(err, ErrExpired) {
			t.Fatalf("%s: %v", s.name, err)
		}
		check(s.name)
		clock.Advance(time.Second)
	}
}

func TestUnauthorizedAccess(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")
	eve := svc.Client("eve")

	msg := mustSend(t, alice, "bob", "private")
	id := stateFor(t, bob, msg)

	for name, op := range map[string]func(context.Context, string) error{
		"archive":   alice.Archive,
		"delete":    eve.Delete,
		"mark read": eve.MarkRead,
		"undo":      alice.Undo,
	} {
		if err := op(ctx, id); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
	if !contains(listIDs(t, bob.Inbox), id) {
		t.Error("rejected mutations must not change the state")
	}

	if _, err := eve.Message(ctx, msg.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("message: expected ErrUnauthorized, got %v", err)
	}
	if _, err := eve.Send(ctx, SendRequest{RecipientID: "bob", Body: "re", ReplyToID: msg.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("reply by outsider: expected ErrNotFound, got %v", err)
	}
}

func TestUnknownState(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	for name, op := range map[string]func(context.Context, string) error{
		"mark read": bob.MarkRead,
		"archive":   bob.Archive,
		"delete":    bob.Delete,
		"undo":      bob.Undo,
	} {
		if err := op(ctx, "no-such-state"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
	if _, err := bob.Message(ctx, "no-such-message"); !errors.Is(err, ErrNotFound) {
		t.Errorf("message: expected ErrNotFound, got %v", err)
	}
}

func TestMessageAndReplies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := setupTestService(t, WithClock(clock))
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")

	root := mustSend(t, alice, "bob", "question")
	clock.Advance(time.Second)
	reply, err := bob.Send(ctx, SendRequest{RecipientID: "alice", Body: "answer", ReplyToID: root.ID})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ReplyToID != root.ID {
		t.Errorf("ReplyToID = %q, want %q", reply.ReplyToID, root.ID)
	}
	clock.Advance(time.Second)
	// Alice forwards the thread to carol; bob cannot see that reply.
	if _, err := alice.Send(ctx, SendRequest{RecipientID: "carol", Body: "fyi", ReplyToID: root.ID}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	got, err := bob.Message(ctx, root.ID)
	if err != nil || got.Body != "question" {
		t.Fatalf("message: %v %+v", err, got)
	}

	aliceReplies, err := alice.Replies(ctx, root.ID)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if len(aliceReplies) != 2 || aliceReplies[0].ID != reply.ID {
		t.Errorf("alice: expected 2 replies oldest first, got %d", len(aliceReplies))
	}

	bobReplies, err := bob.Replies(ctx, root.ID)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if len(bobReplies) != 1 || bobReplies[0].ID != reply.ID {
		t.Errorf("bob: expected only his own reply, got %d", len(bobReplies))
	}
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := memory.New()
	svc := setupTestService(t, WithStore(st), WithClock(clock), WithSettleBatchSize(1))
	defer svc.Close(ctx)

	alice := svc.Client("alice")
	bob := svc.Client("bob")

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = stateFor(t, bob, mustSend(t, alice, "bob", "hi"))
	}
	if err := bob.Archive(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := bob.Delete(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultUndoWindow + time.Second)
	if err := bob.Archive(ctx, ids[2]); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Settle(ctx)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.SettledCount != 2 {
		t.Errorf("SettledCount = %d, want 2", res.SettledCount)
	}

	for i, want := range []store.Visibility{store.VisibilityArchived, store.VisibilityDeleted} {
		got, err := st.GetState(ctx, ids[i])
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		if got.Visibility != want || got.PendingUndoUntil != nil || got.PreviousVisibility != "" {
			t.Errorf("state %d: got %+v, want settled %s", i, got, want)
		}
	}

	// The window still open is untouched and undoable.
	if err := bob.Undo(ctx, ids[2]); err != nil {
		t.Errorf("undo of unsettled state: %v", err)
	}

	res, err = svc.Settle(ctx)
	if err != nil || res.SettledCount != 0 {
		t.Errorf("second settle: %v, %+v", err, res)
	}
}

type recordingHook struct {
	mu       sync.Mutex
	reject   error
	before   []SendRequest
	after    []string
	initDone bool
}

func (h *recordingHook) Name() string { return "recording" }
func (h *recordingHook) Init(context.Context) error {
	h.initDone = true
	return nil
}
func (h *recordingHook) Close(context.Context) error { return nil }
func (h *recordingHook) BeforeSend(_ context.Context, _ string, req SendRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, req)
	return h.reject
}
func (h *recordingHook) AfterSend(_ context.Context, _ string, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, msg.ID)
	return nil
}

func TestSendHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("hooks run around the write", func(t *testing.T) {
		hook := &recordingHook{}
		svc := setupTestService(t, WithPlugin(hook))
		defer svc.Close(ctx)

		if !hook.initDone {
			t.Error("plugin not initialized on connect")
		}
		msg := mustSend(t, svc.Client("alice"), "bob", "hi")
		if len(hook.before) != 1 || len(hook.after) != 1 || hook.after[0] != msg.ID {
			t.Errorf("unexpected hook calls: before=%d after=%v", len(hook.before), hook.after)
		}
	})

	t.Run("rejecting hook aborts without writes", func(t *testing.T) {
		hook := &recordingHook{reject: ErrRateLimited}
		svc := setupTestService(t, WithPlugin(hook))
		defer svc.Close(ctx)

		_, err := svc.Client("alice").Send(ctx, SendRequest{RecipientID: "bob", Body: "hi"})
		var pe *PluginError
		if !errors.As(err, &pe) || !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected PluginError wrapping ErrRateLimited, got %v", err)
		}
		if len(listIDs(t, svc.Client("bob").Inbox)) != 0 {
			t.Error("rejected send must not write")
		}
		if len(hook.after) != 0 {
			t.Error("AfterSend must not run for a rejected send")
		}
	})
}

func TestConcurrentSends(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithMaxConcurrentSends(3))
	defer svc.Close(ctx)

	alice := svc.Client("alice")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Body: "hi"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("send failed: %v", err)
	}

	if n := len(listIDs(t, svc.Client("bob").Inbox)); n != 20 {
		t.Errorf("expected 20 entries, got %d", n)
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithShutdownTimeout(time.Second))

	alice := svc.Client("alice")
	mustSend(t, alice, "bob", "before close")

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Body: "after close"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}
