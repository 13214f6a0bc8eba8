package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	eventChannels
	client twiliowhatsapp.TwilioWhatsAppSender
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{eventChannels: newEventChannels(), client: client}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return ValidateAndCanonicalizeRecipient(recipient)
}

// Start is a no-op; inbound Twilio traffic arrives through the webhook.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a sent status.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return transportFailure("twilio send", err)
	}
	slog.Debug("TwilioService.SendMessage: sent", "to", util.MaskIdentity(canonicalTo))
	s.emitStatus(sentStatus(canonicalTo))
	return nil
}
