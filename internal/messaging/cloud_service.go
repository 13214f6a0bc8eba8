package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// Meta Cloud API defaults.
const (
	DefaultGraphBaseURL = "https://graph.facebook.com/v21.0"
	DefaultSendTimeout  = 10 * time.Second
	maxErrorBodyBytes   = 2048
)

// CloudService sends messages through the Meta WhatsApp Cloud API.
type CloudService struct {
	eventChannels
	token         string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
}

// Compile-time check that CloudService implements Service.
var _ Service = (*CloudService)(nil)

// CloudOption configures a CloudService.
type CloudOption func(*CloudService)

// WithGraphBaseURL overrides the Graph API base URL.
func WithGraphBaseURL(url string) CloudOption {
	return func(s *CloudService) { s.baseURL = url }
}

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(c *http.Client) CloudOption {
	return func(s *CloudService) { s.httpClient = c }
}

// NewCloudService creates a Cloud API sender for the given access token and phone number id.
// Missing credentials are reported by SendMessage as ErrNotConfigured.
func NewCloudService(token, phoneNumberID string, opts ...CloudOption) *CloudService {
	s := &CloudService{
		eventChannels: newEventChannels(),
		token:         token,
		phoneNumberID: phoneNumberID,
		baseURL:       DefaultGraphBaseURL,
		httpClient:    &http.Client{Timeout: DefaultSendTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	if token == "" || phoneNumberID == "" {
		slog.Warn("CloudService: WHATSAPP_TOKEN or PHONE_NUMBER_ID missing; sends will fail")
	}
	return s
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             cloudText `json:"text"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return ValidateAndCanonicalizeRecipient(recipient)
}

// Start is a no-op; inbound Cloud API traffic arrives through the webhook.
func (s *CloudService) Start(ctx context.Context) error { return nil }

// Stop closes the event channels.
func (s *CloudService) Stop() error {
	s.stop()
	return nil
}

// SendMessage posts a text message. HTTP status >= 400 and network failures are
// TRANSPORT_FAILURE errors.
func (s *CloudService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if s.token == "" || s.phoneNumberID == "" {
		slog.Error("CloudService.SendMessage: WhatsApp token or phone id missing")
		return ErrNotConfigured
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cloudMessage{
		MessagingProduct: "whatsapp",
		To:               canonicalTo,
		Type:             "text",
		Text:             cloudText{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("CloudService.SendMessage: request failed", "to", util.MaskIdentity(canonicalTo), "error", err)
		return transportFailure("send message", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode >= http.StatusBadRequest {
		slog.Error("CloudService.SendMessage: WhatsApp API error", "status", resp.StatusCode, "body", string(respBody))
		return transportFailure("send message", fmt.Errorf("whatsapp api returned status %d", resp.StatusCode))
	}

	st := sentStatus(canonicalTo)
	var parsed cloudSendResponse
	if json.Unmarshal(respBody, &parsed) == nil && len(parsed.Messages) > 0 {
		st.ID = parsed.Messages[0].ID
	}
	slog.Info("CloudService.SendMessage: sent message to WhatsApp API", "to", util.MaskIdentity(canonicalTo), "id", st.ID)
	s.emitStatus(st)
	return nil
}
