// Package messaging delivers outbound text messages over the configured WhatsApp
// transport and surfaces transport-originated inbound messages and status updates.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// Constants for service channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound and status channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Status tags emitted by the services themselves.
const StatusSent = "sent"

var (
	// ErrNotConfigured is returned when a transport lacks credentials.
	ErrNotConfigured = errors.New("messaging transport not configured")
	// ErrServiceStopped is returned by SendMessage after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
)

// Sender delivers one text message to a recipient identity.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	Sender

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Start begins any background processing (e.g., transport event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Inbound returns messages received by the transport itself rather than via webhook.
	Inbound() <-chan models.InboundMessage

	// Statuses returns delivery status updates.
	Statuses() <-chan models.StatusUpdate
}

// ValidateAndCanonicalizeRecipient reduces recipient to its digits and checks
// that the result is a plausible phone number.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical, ok := util.CanonicalIdentity(recipient)
	if !ok {
		return "", fmt.Errorf("invalid phone number: %q must have between %d and %d digits",
			canonical, util.MinIdentityDigits, util.MaxIdentityDigits)
	}
	if canonical != recipient {
		slog.Debug("ValidateAndCanonicalizeRecipient: canonicalized recipient", "canonical", util.MaskIdentity(canonical))
	}
	return canonical, nil
}

// transportFailure wraps a send error as a TRANSPORT_FAILURE.
func transportFailure(reason string, err error) error {
	return models.NewCodedError(models.ErrorTransportFailure, reason, err)
}

// eventChannels carries the inbound and status streams shared by every service.
type eventChannels struct {
	mu       sync.RWMutex
	stopped  bool
	inbound  chan models.InboundMessage
	statuses chan models.StatusUpdate
}

func newEventChannels() eventChannels {
	return eventChannels{
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
		statuses: make(chan models.StatusUpdate, DefaultChannelBufferSize),
	}
}

// Inbound returns the channel of transport-delivered inbound messages.
func (c *eventChannels) Inbound() <-chan models.InboundMessage { return c.inbound }

// Statuses returns the channel of delivery status updates.
func (c *eventChannels) Statuses() <-chan models.StatusUpdate { return c.statuses }

func (c *eventChannels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *eventChannels) emitStatus(st models.StatusUpdate) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.statuses <- st:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: statuses channel blocked, dropping status", "id", st.ID, "timeout", DefaultChannelTimeout)
	}
}

func (c *eventChannels) emitInbound(msg models.InboundMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.inbound <- msg:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: inbound channel blocked, dropping message", "id", msg.ID, "timeout", DefaultChannelTimeout)
	}
}

// stop closes both channels once. Emitters hold the read lock, so closing under
// the write lock never races a send.
func (c *eventChannels) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.inbound)
	close(c.statuses)
}

func sentStatus(to string) models.StatusUpdate {
	return models.StatusUpdate{RecipientID: to, Status: StatusSent, Time: time.Now().UTC()}
}
