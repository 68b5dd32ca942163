package mongo

import (
	"time"

	"github.com/rbaliyan/bookmail/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// messageDoc is the MongoDB document representation of a message.
type messageDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	SenderID    string        `bson:"sender_id"`
	RecipientID string        `bson:"recipient_id"`
	Body        string        `bson:"body"`
	ReplyToID   string        `bson:"reply_to_id,omitempty"`
	CreatedAt   time.Time     `bson:"created_at"`
}

// stateDoc is the MongoDB document representation of a state.
type stateDoc struct {
	ID                 bson.ObjectID `bson:"_id"`
	MessageID          string        `bson:"message_id"`
	MessageCreatedAt   time.Time     `bson:"message_created_at"`
	UserID             string        `bson:"user_id"`
	ReadAt             *time.Time    `bson:"read_at"`
	Visibility         string        `bson:"visibility"`
	PreviousVisibility string        `bson:"previous_visibility"`
	PendingUndoUntil   *time.Time    `bson:"pending_undo_until"`
	UpdatedAt          time.Time     `bson:"updated_at"`
	Version            int64         `bson:"version"`
}

// joinedStateDoc is a state with its message attached by $lookup.
type joinedStateDoc struct {
	stateDoc `bson:",inline"`
	Message  messageDoc `bson:"message"`
}

// entryPage is the single document produced by the listing $facet.
type entryPage struct {
	Total []struct {
		N int64 `bson:"n"`
	} `bson:"total"`
	Page []joinedStateDoc `bson:"page"`
}

func docToMessage(doc *messageDoc) *store.Message {
	return &store.Message{
		ID:          doc.ID.Hex(),
		SenderID:    doc.SenderID,
		RecipientID: doc.RecipientID,
		Body:        doc.Body,
		ReplyToID:   doc.ReplyToID,
		CreatedAt:   doc.CreatedAt.UTC(),
	}
}

func docToState(doc *stateDoc) *store.State {
	return &store.State{
		ID:                 doc.ID.Hex(),
		MessageID:          doc.MessageID,
		UserID:             doc.UserID,
		ReadAt:             utcPtr(doc.ReadAt),
		Visibility:         store.Visibility(doc.Visibility),
		PreviousVisibility: store.Visibility(doc.PreviousVisibility),
		PendingUndoUntil:   utcPtr(doc.PendingUndoUntil),
		UpdatedAt:          doc.UpdatedAt.UTC(),
	}
}

func newStateDoc(msg *store.Message, userID string) *stateDoc {
	return &stateDoc{
		ID:               bson.NewObjectID(),
		MessageID:        msg.ID,
		MessageCreatedAt: msg.CreatedAt,
		UserID:           userID,
		Visibility:       string(store.VisibilityInbox),
		UpdatedAt:        msg.CreatedAt,
	}
}

// stateFields is the $set document writing the mutable fields of st.
func stateFields(st *store.State, version int64) bson.M {
	return bson.M{
		"read_at":             st.ReadAt,
		"visibility":          string(st.Visibility),
		"previous_visibility": string(st.PreviousVisibility),
		"pending_undo_until":  st.PendingUndoUntil,
		"updated_at":          st.UpdatedAt,
		"version":             version,
	}
}
