package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePersistedEnvelope(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := MessagePersistedEnvelope(models.MessageRecord{
		ID:             "01HZZZ",
		UserID:         "15551234567",
		ConversationID: "chat_15551234567",
		SenderType:     models.SenderBot,
		MessageType:    models.MessageTypeText,
		Body:           "secret body",
		Timestamp:      ts,
	})

	assert.Equal(t, MessagePersistedV1, env.Meta.Type)
	assert.NotEmpty(t, env.Meta.ID)
	require.NotNil(t, env.Meta.Producer)
	assert.Equal(t, Producer, *env.Meta.Producer)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret body")

	var decoded struct {
		Meta Meta             `json:"meta"`
		Data MessagePersisted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "01HZZZ", decoded.Data.RecordID)
	assert.Equal(t, models.SenderBot, decoded.Data.SenderType)
	assert.True(t, ts.Equal(decoded.Data.Timestamp))
}

func TestNewEnvelopeUniqueIDs(t *testing.T) {
	a := NewEnvelope("x.v1", nil)
	b := NewEnvelope("x.v1", nil)
	assert.NotEqual(t, a.Meta.ID, b.Meta.ID)
}

func TestRabbitPublisher(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("env RABBITMQ_URL not set")
	}
	p, err := NewRabbitPublisher(url, "replypipe.test")
	if err != nil {
		t.Skipf("RabbitMQ not available: %v", err)
	}
	defer p.Close()

	env := NewEnvelope(MessagePersistedV1, MessagePersisted{RecordID: "r1"})
	assert.NoError(t, p.Publish(context.Background(), MessagePersistedV1, env))
}
