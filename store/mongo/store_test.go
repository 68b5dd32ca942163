package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/bookmail/store/storetest"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newTestStore connects a store to a fresh database dropped at cleanup.
// Tests are skipped unless BOOKMAIL_MONGO_URI is set.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	uri := os.Getenv("BOOKMAIL_MONGO_URI")
	if uri == "" {
		t.Skip("BOOKMAIL_MONGO_URI not set")
	}

	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}
	ctx := context.Background()
	dbName := "bookmail_test_" + bson.NewObjectID().Hex()
	s := New(client, WithDatabase(dbName))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(ctx)
		_ = s.Close(ctx)
		_ = client.Disconnect(ctx)
	})
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestInvalidID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetState(ctx, "not-an-object-id"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	_, err := s.UpdateState(ctx, "", func(*store.State) error { return nil })
	if !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestReplyToMissingMessage(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateMessage(context.Background(), store.MessageData{
		SenderID:    "alice",
		RecipientID: "bob",
		Body:        "hi",
		ReplyToID:   bson.NewObjectID().Hex(),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a dangling reply, got %v", err)
	}
}

func TestConnectWithoutClient(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Error("expected error connecting without a client")
	}
	if _, err := s.GetMessage(context.Background(), bson.NewObjectID().Hex()); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestListHidesStatesWithoutMessage(t *testing.T) {
	s := newTestStore(t).(*Store)
	ctx := context.Background()

	if _, _, err := s.CreateMessage(ctx, store.MessageData{SenderID: "alice", RecipientID: "bob", Body: "committed"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A standalone insert that has written its states but not its message.
	pending := &store.Message{ID: bson.NewObjectID().Hex(), SenderID: "carol", RecipientID: "bob", CreatedAt: time.Now().UTC()}
	if _, err := s.states.InsertOne(ctx, newStateDoc(pending, "bob")); err != nil {
		t.Fatalf("insert state: %v", err)
	}

	list, err := s.ListEntries(ctx, "bob", store.VisibilityInbox, store.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 1 || len(list.Entries) != 1 || list.HasMore {
		t.Fatalf("got total=%d entries=%d hasMore=%v, want 1/1/false", list.Total, len(list.Entries), list.HasMore)
	}
	if list.Entries[0].Message.Body != "committed" {
		t.Errorf("listed %q, want the committed message", list.Entries[0].Message.Body)
	}
}

func TestCreateFallbackWritesBothStates(t *testing.T) {
	s := newTestStore(t).(*Store)
	ctx := context.Background()

	msgDoc := &messageDoc{ID: bson.NewObjectID(), SenderID: "alice", RecipientID: "bob", Body: "hi", CreatedAt: truncate(time.Now())}
	msg := docToMessage(msgDoc)
	docs := []*stateDoc{newStateDoc(msg, "alice"), newStateDoc(msg, "bob")}

	if _, _, err := s.createFallback(ctx, msgDoc, docs); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, user := range []string{"alice", "bob"} {
		list, err := s.ListEntries(ctx, user, store.VisibilityInbox, store.ListOptions{})
		if err != nil {
			t.Fatalf("list %s: %v", user, err)
		}
		if list.Total != 1 {
			t.Errorf("%s: total=%d, want 1", user, list.Total)
		}
	}

	// A duplicate message ID fails after the states are written; they are discarded.
	dup := []*stateDoc{newStateDoc(msg, "alice"), newStateDoc(msg, "bob")}
	if _, _, err := s.createFallback(ctx, msgDoc, dup); err == nil {
		t.Fatal("expected duplicate message insert to fail")
	}
	n, err := s.states.CountDocuments(ctx, bson.M{"message_id": msg.ID})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("states for message = %d, want 2 after discarding the failed insert", n)
	}
}
