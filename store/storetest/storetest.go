// Package storetest provides a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rbaliyan/bookmail/store"
)

// Factory returns a connected, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// base is a fixed, millisecond-aligned instant so every backend round-trips it exactly.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateMessage", func(t *testing.T) { testCreateMessage(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpdateState", func(t *testing.T) { testUpdateState(t, newStore(t)) })
	t.Run("UpdateStateAbort", func(t *testing.T) { testUpdateStateAbort(t, newStore(t)) })
	t.Run("UpdateStateSerialized", func(t *testing.T) { testUpdateStateSerialized(t, newStore(t)) })
	t.Run("ListEntries", func(t *testing.T) { testListEntries(t, newStore(t)) })
	t.Run("ListEntriesPaging", func(t *testing.T) { testListEntriesPaging(t, newStore(t)) })
	t.Run("SettleExpired", func(t *testing.T) { testSettleExpired(t, newStore(t)) })
	t.Run("ListReplies", func(t *testing.T) { testListReplies(t, newStore(t)) })
}

func create(t *testing.T, s store.Store, from, to, body string, at time.Time) (*store.Message, []*store.State) {
	t.Helper()
	msg, states, err := s.CreateMessage(context.Background(), store.MessageData{
		SenderID:    from,
		RecipientID: to,
		Body:        body,
		CreatedAt:   at,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg, states
}

func testCreateMessage(t *testing.T, s store.Store) {
	ctx := context.Background()
	msg, states := create(t, s, "alice", "bob", "hi", base)

	if msg.ID == "" {
		t.Fatal("expected message ID")
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[0].UserID != "alice" || states[1].UserID != "bob" {
		t.Errorf("expected states ordered sender first, got %q, %q", states[0].UserID, states[1].UserID)
	}
	if states[0].ID == states[1].ID {
		t.Error("expected distinct state IDs")
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	want := &store.Message{ID: msg.ID, SenderID: "alice", RecipientID: "bob", Body: "hi", CreatedAt: base}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	for _, st := range states {
		got, err := s.GetState(ctx, st.ID)
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		want := &store.State{
			ID:         st.ID,
			MessageID:  msg.ID,
			UserID:     st.UserID,
			Visibility: store.VisibilityInbox,
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(store.State{}, "UpdatedAt")); diff != "" {
			t.Errorf("state mismatch (-want +got):\n%s", diff)
		}
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Create something so the backend has its structures initialized.
	create(t, s, "alice", "bob", "hi", base)

	missing := missingID(s)
	if _, err := s.GetMessage(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetState(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetState: expected ErrNotFound, got %v", err)
	}
	_, err := s.UpdateState(ctx, missing, func(*store.State) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateState: expected ErrNotFound, got %v", err)
	}
}

// missingID returns a well-formed ID that the store has never issued.
func missingID(s store.Store) string {
	if g, ok := s.(interface{ UnusedID() string }); ok {
		return g.UnusedID()
	}
	return "00000000-0000-4000-8000-000000000000"
}

func testUpdateState(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, states := create(t, s, "alice", "bob", "hi", base)
	id := states[1].ID

	readAt := base.Add(time.Second)
	until := base.Add(5 * time.Second)
	updated, err := s.UpdateState(ctx, id, func(st *store.State) error {
		st.ReadAt = &readAt
		st.Visibility = store.VisibilityDeleted
		st.PreviousVisibility = store.VisibilityInbox
		st.PendingUndoUntil = &until
		st.UpdatedAt = readAt
		return nil
	})
	if err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := s.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Errorf("stored state differs from returned state (-returned +stored):\n%s", diff)
	}
	if got.Visibility != store.VisibilityDeleted || got.PreviousVisibility != store.VisibilityInbox {
		t.Errorf("unexpected visibility %q/%q", got.Visibility, got.PreviousVisibility)
	}

	// The sender's state is untouched.
	other, err := s.GetState(ctx, states[0].ID)
	if err != nil {
		t.Fatalf("get sender state: %v", err)
	}
	if other.Visibility != store.VisibilityInbox || other.ReadAt != nil {
		t.Errorf("sender state changed: %+v", other)
	}
}

func testUpdateStateAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, states := create(t, s, "alice", "bob", "hi", base)
	id := states[1].ID

	errAbort := errors.New("abort")
	_, err := s.UpdateState(ctx, id, func(st *store.State) error {
		st.Visibility = store.VisibilityArchived
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	got, err := s.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.Visibility != store.VisibilityInbox {
		t.Errorf("expected no write, visibility is %q", got.Visibility)
	}
}

func testUpdateStateSerialized(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, states := create(t, s, "alice", "bob", "hi", base)
	id := states[1].ID

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each update advances the window by one second. A lost update
			// shows up as a final window short of workers seconds.
			_, err := s.UpdateState(ctx, id, func(st *store.State) error {
				next := base
				if st.PendingUndoUntil != nil {
					next = *st.PendingUndoUntil
				}
				next = next.Add(time.Second)
				st.PendingUndoUntil = &next
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}

	got, err := s.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	want := base.Add(workers * time.Second)
	if got.PendingUndoUntil == nil || !got.PendingUndoUntil.Equal(want) {
		t.Errorf("expected window %v, got %v (lost update)", want, got.PendingUndoUntil)
	}
}

func testListEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	m1, s1 := create(t, s, "alice", "bob", "first", base)
	m2, _ := create(t, s, "carol", "bob", "second", base.Add(time.Minute))
	m3, s3 := create(t, s, "bob", "alice", "third", base.Add(2*time.Minute))

	inbox, err := s.ListEntries(ctx, "bob", store.VisibilityInbox, store.ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if got := messageIDs(inbox); !cmp.Equal(got, []string{m3.ID, m2.ID, m1.ID}) {
		t.Errorf("expected newest first %v, got %v", []string{m3.ID, m2.ID, m1.ID}, got)
	}
	if inbox.Total != 3 || inbox.HasMore {
		t.Errorf("expected total 3 and no more, got %d/%v", inbox.Total, inbox.HasMore)
	}
	for _, e := range inbox.Entries {
		if e.State == nil || e.State.UserID != "bob" || e.StateID != e.State.ID {
			t.Errorf("entry state does not belong to bob: %+v", e)
		}
	}

	// Archive bob's copy of m1 and delete bob's copy of m3.
	archive := func(st *store.State) error { st.Visibility = store.VisibilityArchived; return nil }
	del := func(st *store.State) error { st.Visibility = store.VisibilityDeleted; return nil }
	if _, err := s.UpdateState(ctx, s1[1].ID, archive); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.UpdateState(ctx, s3[0].ID, del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	cases := []struct {
		user       string
		visibility store.Visibility
		want       []string
	}{
		{"bob", store.VisibilityInbox, []string{m2.ID}},
		{"bob", store.VisibilityArchived, []string{m1.ID}},
		{"bob", store.VisibilityDeleted, []string{m3.ID}},
		{"alice", store.VisibilityInbox, []string{m3.ID, m1.ID}},
		{"alice", store.VisibilityArchived, nil},
		{"nobody", store.VisibilityInbox, nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.user, tc.visibility), func(t *testing.T) {
			list, err := s.ListEntries(ctx, tc.user, tc.visibility, store.ListOptions{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if diff := cmp.Diff(tc.want, messageIDs(list), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := s.ListEntries(ctx, "bob", store.Visibility("spam"), store.ListOptions{}); !errors.Is(err, store.ErrInvalidVisibility) {
		t.Errorf("expected ErrInvalidVisibility, got %v", err)
	}
}

func testListEntriesPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		m, _ := create(t, s, "alice", "bob", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute))
		ids = append([]string{m.ID}, ids...)
	}

	page, err := s.ListEntries(ctx, "bob", store.VisibilityInbox, store.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(ids[1:3], messageIDs(page)); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if page.Total != 5 || !page.HasMore {
		t.Errorf("expected total 5 with more, got %d/%v", page.Total, page.HasMore)
	}

	last, err := s.ListEntries(ctx, "bob", store.VisibilityInbox, store.ListOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(ids[4:], messageIDs(last)); diff != "" {
		t.Errorf("last page mismatch (-want +got):\n%s", diff)
	}
	if last.HasMore {
		t.Error("expected no more entries after last page")
	}
}

func testSettleExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, states := create(t, s, "alice", "bob", "hi", base)

	expired := base.Add(5 * time.Second)
	open := base.Add(time.Hour)
	setWindow := func(until time.Time, v store.Visibility) func(*store.State) error {
		return func(st *store.State) error {
			st.PreviousVisibility = st.Visibility
			st.Visibility = v
			st.PendingUndoUntil = &until
			return nil
		}
	}
	if _, err := s.UpdateState(ctx, states[0].ID, setWindow(expired, store.VisibilityArchived)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.UpdateState(ctx, states[1].ID, setWindow(open, store.VisibilityDeleted)); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := s.SettleExpired(ctx, base.Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 settled, got %d", n)
	}

	settled, _ := s.GetState(ctx, states[0].ID)
	if settled.PendingUndoUntil != nil || settled.PreviousVisibility != "" {
		t.Errorf("expected window cleared, got %+v", settled)
	}
	if settled.Visibility != store.VisibilityArchived {
		t.Errorf("settle must keep visibility, got %q", settled.Visibility)
	}

	pending, _ := s.GetState(ctx, states[1].ID)
	if pending.PendingUndoUntil == nil || pending.PreviousVisibility != store.VisibilityInbox {
		t.Errorf("expected open window kept, got %+v", pending)
	}

	// Nothing left to settle.
	n, err = s.SettleExpired(ctx, base.Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 settled on second pass, got %d", n)
	}
}

func testListReplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	root, _ := create(t, s, "alice", "bob", "question", base)

	var want []string
	for i, from := range []string{"bob", "alice"} {
		to := "alice"
		if from == "alice" {
			to = "bob"
		}
		m, _, err := s.CreateMessage(ctx, store.MessageData{
			SenderID:    from,
			RecipientID: to,
			Body:        fmt.Sprintf("reply %d", i),
			ReplyToID:   root.ID,
			CreatedAt:   base.Add(time.Duration(i+1) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create reply: %v", err)
		}
		if m.ReplyToID != root.ID {
			t.Errorf("expected reply to %s, got %q", root.ID, m.ReplyToID)
		}
		want = append(want, m.ID)
	}

	replies, err := s.ListReplies(ctx, root.ID)
	if err != nil {
		t.Fatalf("list replies: %v", err)
	}
	got := make([]string, len(replies))
	for i, m := range replies {
		got[i] = m.ID
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func messageIDs(list *store.EntryList) []string {
	var ids []string
	for _, e := range list.Entries {
		ids = append(ids, e.Message.ID)
	}
	return ids
}
