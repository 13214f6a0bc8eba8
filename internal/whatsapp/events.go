package whatsapp

import (
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"go.mau.fi/whatsmeow/types/events"
)

// InboundFromEvent converts a whatsmeow message event into an InboundMessage.
// Own messages, group messages and events without a sender are not inbound
// conversation turns and report false.
func InboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Sender.User == "" {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		ID:          string(evt.Info.ID),
		From:        evt.Info.Sender.User,
		DisplayName: evt.Info.PushName,
		Type:        models.MessageTypeText,
		ReceivedAt:  evt.Info.Timestamp,
	}
	if evt.Message != nil {
		msg.Text = evt.Message.GetConversation()
		if msg.Text == "" {
			msg.Text = evt.Message.GetExtendedTextMessage().GetText()
		}
	}
	if msg.Text == "" {
		kind := evt.Info.MediaType
		if kind == "" {
			kind = evt.Info.Type
		}
		if kind == "" || kind == string(models.MessageTypeText) {
			kind = string(models.MessageTypeUnknown)
		}
		msg.Type = models.MessageType(strings.ToLower(kind))
	}
	return msg, true
}

// StatusesFromReceipt converts a receipt into one StatusUpdate per message id.
// whatsmeow reports plain delivery receipts with an empty type.
func StatusesFromReceipt(evt *events.Receipt) []models.StatusUpdate {
	if evt == nil {
		return nil
	}
	status := string(evt.Type)
	if status == "" {
		status = "delivered"
	}
	out := make([]models.StatusUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.StatusUpdate{
			ID:          string(id),
			RecipientID: evt.Sender.User,
			Status:      status,
			Time:        evt.Timestamp,
		})
	}
	return out
}
