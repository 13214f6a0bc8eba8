// Package events publishes domain events about persisted conversation records.
package events

import (
	"context"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// Producer identifies this service in event metadata.
const Producer = "replypipe"

// MessagePersistedV1 is emitted after a message record is durably appended.
const MessagePersistedV1 = "conversation.message.persisted.v1"

// Meta describes an event independently of its payload.
type Meta struct {
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload with its Meta.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Publisher delivers envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// MessagePersisted is the payload of MessagePersistedV1. The body is omitted;
// consumers that need it read the record from the store.
type MessagePersisted struct {
	RecordID       string             `json:"record_id"`
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	SenderType     models.SenderType  `json:"sender_type"`
	MessageType    models.MessageType `json:"message_type"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NewEnvelope stamps data with a fresh event id and the current time.
func NewEnvelope(eventType string, data any) Envelope {
	producer := Producer
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     time.Now().UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// MessagePersistedEnvelope builds the MessagePersistedV1 event for rec.
func MessagePersistedEnvelope(rec models.MessageRecord) Envelope {
	return NewEnvelope(MessagePersistedV1, MessagePersisted{
		RecordID:       rec.ID,
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		SenderType:     rec.SenderType,
		MessageType:    rec.MessageType,
		Timestamp:      rec.Timestamp,
	})
}
