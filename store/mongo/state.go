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

// GetState retrieves a state by ID.
func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc, err := s.findState(ctx, oid)
	if err != nil {
		return nil, err
	}
	return docToState(doc), nil
}

func (s *Store) findState(ctx context.Context, oid bson.ObjectID) (*stateDoc, error) {
	var doc stateDoc
	if err := s.states.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find state: %w", err)
	}
	return &doc, nil
}

// UpdateState applies fn and writes the result only if no other writer
// changed the state in between. A lost race re-reads and re-applies fn.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*store.State) error) (*store.State, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	for attempt := 0; attempt < s.opts.maxUpdateAttempts; attempt++ {
		doc, err := s.findState(ctx, oid)
		if err != nil {
			return nil, err
		}

		orig := docToState(doc)
		st := orig.Clone()
		if err := fn(st); err != nil {
			return nil, err
		}
		st.ID = orig.ID
		st.MessageID = orig.MessageID
		st.UserID = orig.UserID
		st.ReadAt = truncatePtr(st.ReadAt)
		st.PendingUndoUntil = truncatePtr(st.PendingUndoUntil)
		st.UpdatedAt = truncate(st.UpdatedAt)

		filter := bson.M{"_id": oid, "version": doc.Version}
		result, err := s.states.UpdateOne(ctx, filter, bson.M{"$set": stateFields(st, doc.Version+1)})
		if err != nil {
			return nil, fmt.Errorf("update state: %w", err)
		}
		if result.MatchedCount == 1 {
			return st, nil
		}
		s.logger.Debug("state changed concurrently, retrying", "state_id", id, "attempt", attempt+1)
	}
	return nil, store.ErrConflict
}

// ListEntries returns the user's states joined to their messages, newest first.
//
// The join runs in one aggregation. A state whose message is not there
// yet (a standalone insert in progress) is neither counted nor listed.
func (s *Store) ListEntries(ctx context.Context, userID string, visibility store.Visibility, opts store.ListOptions) (*store.EntryList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !visibility.IsValid() {
		return nil, store.ErrInvalidVisibility
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	offset := max(opts.Offset, 0)
	page := bson.A{bson.D{{Key: "$skip", Value: int64(offset)}}}
	if opts.Limit > 0 {
		page = append(page, bson.D{{Key: "$limit", Value: int64(opts.Limit)}})
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "visibility": string(visibility)}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "message_created_at", Value: -1},
			{Key: "message_id", Value: -1},
		}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: s.messages.Name()},
			{Key: "let", Value: bson.D{{Key: "mid", Value: bson.D{{Key: "$toObjectId", Value: "$message_id"}}}}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$_id", "$$mid"}}}}}}},
			}},
			{Key: "as", Value: "message"},
		}}},
		{{Key: "$unwind", Value: "$message"}},
		{{Key: "$facet", Value: bson.D{
			{Key: "total", Value: bson.A{bson.D{{Key: "$count", Value: "n"}}}},
			{Key: "page", Value: page},
		}}},
	}

	cursor, err := s.states.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	var results []entryPage
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}

	list := &store.EntryList{Entries: []*store.Entry{}}
	if len(results) == 0 {
		return list, nil
	}
	res := results[0]
	if len(res.Total) > 0 {
		list.Total = res.Total[0].N
	}
	for i := range res.Page {
		list.Entries = append(list.Entries, store.NewEntry(docToMessage(&res.Page[i].Message), docToState(&res.Page[i].stateDoc)))
	}
	list.HasMore = int64(offset+len(res.Page)) < list.Total
	return list, nil
}

// SettleExpired clears undo windows that ended before now.
// Each state is settled with the same version check as UpdateState, so a
// concurrent undo or refresh wins over the sweep.
func (s *Store) SettleExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	expired := bson.M{"pending_undo_until": bson.M{"$ne": nil, "$lt": now.UTC()}}
	findOpts := mongoopts.Find().
		SetSort(bson.D{{Key: "pending_undo_until", Value: 1}}).
		SetProjection(bson.M{"_id": 1, "version": 1})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.states.Find(ctx, expired, findOpts)
	if err != nil {
		return 0, fmt.Errorf("find expired: %w", err)
	}
	var candidates []struct {
		ID      bson.ObjectID `bson:"_id"`
		Version int64         `bson:"version"`
	}
	if err := cursor.All(ctx, &candidates); err != nil {
		return 0, fmt.Errorf("decode expired: %w", err)
	}

	var count int64
	for _, c := range candidates {
		filter := bson.M{
			"_id":                c.ID,
			"version":            c.Version,
			"pending_undo_until": bson.M{"$lt": now.UTC()},
		}
		update := bson.M{
			"$set": bson.M{
				"pending_undo_until":  nil,
				"previous_visibility": "",
				"version":             c.Version + 1,
			},
		}
		result, err := s.states.UpdateOne(ctx, filter, update)
		if err != nil {
			return count, fmt.Errorf("settle state: %w", err)
		}
		count += result.ModifiedCount
	}
	return count, nil
}
