package models

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// WebhookEvent is a Meta WhatsApp Cloud API webhook delivery.
//
// Messages and statuses are kept raw so one malformed entry never
// prevents its siblings from being processed.
type WebhookEvent struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the changes reported for one business account.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is a single change notification.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue carries the messages, sender contacts and status updates of a change.
type WebhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []WebhookContact  `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

// WebhookContact is the profile metadata sent alongside messages.
type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// InboundMessage is a transport-neutral inbound message ready for dispatch.
type InboundMessage struct {
	ID          string      // provider message id, used for de-duplication
	From        string      // sender identity (phone number digits)
	DisplayName string      // profile name from contact metadata, if any
	Type        MessageType // "text", "image", "audio", ...
	Text        string      // body when Type is text
	ReceivedAt  time.Time
}

// StatusUpdate is a delivery receipt reported by the provider.
type StatusUpdate struct {
	ID          string
	RecipientID string
	Status      string
	Time        time.Time
}

// InboundMessages decodes the messages of a change. Entries that fail to decode
// or carry no sender are skipped with a debug note.
func (v WebhookValue) InboundMessages() []InboundMessage {
	out := make([]InboundMessage, 0, len(v.Messages))
	for _, raw := range v.Messages {
		var m webhookMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.From == "" {
			slog.Debug("WebhookValue.InboundMessages: skipping malformed message", "error", err, "raw", string(raw))
			continue
		}
		msgType := MessageType(m.Type)
		if msgType == "" {
			msgType = MessageTypeUnknown
		}
		in := InboundMessage{
			ID:          m.ID,
			From:        m.From,
			DisplayName: v.displayNameFor(m.From),
			Type:        msgType,
			ReceivedAt:  parseUnix(m.Timestamp),
		}
		if m.Text != nil {
			in.Text = m.Text.Body
		}
		out = append(out, in)
	}
	return out
}

// StatusUpdates decodes the status entries of a change, skipping malformed ones.
func (v WebhookValue) StatusUpdates() []StatusUpdate {
	out := make([]StatusUpdate, 0, len(v.Statuses))
	for _, raw := range v.Statuses {
		var s webhookStatus
		if err := json.Unmarshal(raw, &s); err != nil {
			slog.Debug("WebhookValue.StatusUpdates: malformed status object", "error", err, "raw", string(raw))
			continue
		}
		out = append(out, StatusUpdate{
			ID:          s.ID,
			RecipientID: s.RecipientID,
			Status:      s.Status,
			Time:        parseUnix(s.Timestamp),
		})
	}
	return out
}

// displayNameFor returns the profile name of the contact matching waID.
func (v WebhookValue) displayNameFor(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

func parseUnix(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
