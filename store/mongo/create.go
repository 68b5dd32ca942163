package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateMessage inserts the message and both states.
//
// On replica sets the three documents are written in one transaction.
// Standalone servers do not support transactions; there both states are
// written first and the message last. Listings only show states whose
// message exists, so the message insert publishes both states at once.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, []*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if data.ReplyToID != "" {
		if _, err := s.GetMessage(ctx, data.ReplyToID); err != nil {
			return nil, nil, fmt.Errorf("reply target: %w", err)
		}
	}

	createdAt := data.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msgDoc := &messageDoc{
		ID:          bson.NewObjectID(),
		SenderID:    data.SenderID,
		RecipientID: data.RecipientID,
		Body:        data.Body,
		ReplyToID:   data.ReplyToID,
		CreatedAt:   truncate(createdAt),
	}
	msg := docToMessage(msgDoc)
	stateDocs := []*stateDoc{
		newStateDoc(msg, data.SenderID),
		newStateDoc(msg, data.RecipientID),
	}

	session, err := s.client.StartSession()
	if err != nil {
		// Standalone MongoDB doesn't support sessions - fall back to plain inserts
		return s.createFallback(ctx, msgDoc, stateDocs)
	}
	defer session.EndSession(ctx)

	_, txErr := session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, s.insert(sessCtx, msgDoc, stateDocs)
	})
	if txErr != nil {
		if isTransactionNotSupported(txErr) {
			return s.createFallback(ctx, msgDoc, stateDocs)
		}
		return nil, nil, errors.Join(store.ErrTransactionFailed, txErr)
	}

	return msg, docsToStates(stateDocs), nil
}

func (s *Store) createFallback(ctx context.Context, msgDoc *messageDoc, stateDocs []*stateDoc) (*store.Message, []*store.State, error) {
	if err := s.insert(ctx, msgDoc, stateDocs); err != nil {
		s.discardStates(stateDocs)
		return nil, nil, err
	}
	return docToMessage(msgDoc), docsToStates(stateDocs), nil
}

func (s *Store) insert(ctx context.Context, msgDoc *messageDoc, stateDocs []*stateDoc) error {
	docs := make([]any, len(stateDocs))
	for i, d := range stateDocs {
		docs[i] = d
	}
	if _, err := s.states.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert states: %w", err)
	}
	if _, err := s.messages.InsertOne(ctx, msgDoc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// discardStates removes states left by a failed standalone insert. They
// are already invisible to listings; this only reclaims the documents.
func (s *Store) discardStates(stateDocs []*stateDoc) {
	ids := make([]bson.ObjectID, len(stateDocs))
	for i, d := range stateDocs {
		ids[i] = d.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()
	if _, err := s.states.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		s.logger.Warn("discard orphan states", "message_id", stateDocs[0].MessageID, "error", err)
	}
}

func docsToStates(docs []*stateDoc) []*store.State {
	states := make([]*store.State, len(docs))
	for i, d := range docs {
		states[i] = docToState(d)
	}
	return states
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return docToMessage(&doc), nil
}

// ListReplies returns the replies to messageID, oldest first.
func (s *Store) ListReplies(ctx context.Context, messageID string) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	findOpts := mongoopts.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	cursor, err := s.messages.Find(ctx, bson.M{"reply_to_id": messageID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find replies: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode replies: %w", err)
	}

	msgs := make([]*store.Message, len(docs))
	for i := range docs {
		msgs[i] = docToMessage(&docs[i])
	}
	return msgs, nil
}
