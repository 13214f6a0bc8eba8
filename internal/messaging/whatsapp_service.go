package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by *whatsapp.Client.
type eventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// Unlike the webhook transports, inbound messages arrive over its Inbound channel.
type WhatsAppService struct {
	eventChannels
	client whatsapp.WhatsAppSender
	events eventSource
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{eventChannels: newEventChannels(), client: client}
	if src, ok := client.(eventSource); ok {
		s.events = src
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return ValidateAndCanonicalizeRecipient(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService no event source available, skipping event handling")
		return nil
	}
	s.events.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.stop()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent status.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", util.MaskIdentity(canonicalTo))
		return transportFailure("whatsmeow send", err)
	}
	s.emitStatus(sentStatus(canonicalTo))
	return nil
}

// handleEvent routes whatsmeow events into the inbound and status channels.
func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		msg, ok := whatsapp.InboundFromEvent(v)
		if !ok {
			return
		}
		slog.Debug("WhatsAppService incoming message", "from", util.MaskIdentity(msg.From), "type", msg.Type)
		s.emitInbound(msg)
	case *events.Receipt:
		for _, st := range whatsapp.StatusesFromReceipt(v) {
			s.emitStatus(st)
		}
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}
