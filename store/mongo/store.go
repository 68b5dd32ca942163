// Package mongo provides a MongoDB implementation of store.Store.
//
// Messages and states are kept in two collections. Each state document
// carries a version field: UpdateState reads the document, applies the
// mutation and writes it back only if the version is unchanged, retrying
// when another writer got there first. State documents also carry the
// creation time of their message so listings sort without a join.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	messages  *mongo.Collection
	states    *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.messages = s.db.Collection(s.opts.collection)
	s.states = s.db.Collection(s.opts.collection + "_states")

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// UnusedID returns a well-formed ID no document carries.
func (s *Store) UnusedID() string {
	return bson.NewObjectID().Hex()
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	stateIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "message_id", Value: 1},
				{Key: "user_id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		// Listing index: one user's view, newest message first.
		{Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "visibility", Value: 1},
			{Key: "message_created_at", Value: -1},
			{Key: "message_id", Value: -1},
		}},
		{
			Keys:    bson.D{{Key: "pending_undo_until", Value: 1}},
			Options: mongoopts.Index().SetSparse(true),
		},
	}
	if _, err := s.states.Indexes().CreateMany(ctx, stateIndexes); err != nil {
		return fmt.Errorf("state indexes: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "reply_to_id", Value: 1},
			{Key: "created_at", Value: 1},
		}},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func parseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, store.ErrInvalidID
	}
	return oid, nil
}

// isTransactionNotSupported checks if the error indicates transactions aren't supported.
func isTransactionNotSupported(err error) bool {
	if err == nil {
		return false
	}
	// MongoDB returns code 263 (OperationNotSupportedInTransaction) or
	// 20 (IllegalOperation) for standalone servers.
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 263 || cmdErr.Code == 20
	}
	return false
}

// MongoDB stores milliseconds.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := truncate(*t)
	return &u
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
