package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// Signature headers.
const (
	HeaderHubSignature    = "X-Hub-Signature-256"
	HeaderTwilioSignature = "X-Twilio-Signature"
)

// verifyWebhookHandler answers the Meta subscription handshake (GET /webhook).
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if s.opts.VerifyToken == "" || token != s.opts.VerifyToken {
		slog.Error("Server.verifyWebhookHandler: invalid verification token")
		writePlainResponse(w, http.StatusForbidden, "Invalid verification token")
		return
	}
	slog.Info("Server.verifyWebhookHandler: webhook validated")
	writePlainResponse(w, http.StatusOK, q.Get("hub.challenge"))
}

// webhookHandler receives Meta Cloud API deliveries (POST /webhook).
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.webhookHandler: body too large", "limit", tooLarge.Limit)
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return
		}
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if s.opts.AppSecret != "" && !ValidHubSignature(s.opts.AppSecret, body, r.Header.Get(HeaderHubSignature)) {
		slog.Warn("Server.webhookHandler: signature mismatch")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	var evt models.WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Processing outlives the provider connection.
	reports := s.dispatcher.ProcessEvent(context.WithoutCancel(r.Context()), evt)
	slog.Info("Server.webhookHandler: delivery processed", "messages", len(reports))
	writeJSONResponse(w, http.StatusOK, models.Received())
}

// twilioWebhookHandler receives Twilio WhatsApp form posts (POST /twilio/webhook).
// Replies go out through the transport, so the TwiML answer is always empty.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.twilioWebhookHandler: body too large", "limit", tooLarge.Limit)
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return
		}
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}

	if s.opts.TwilioAuthToken != "" {
		fullURL := s.requestURL(r)
		if !twiliowhatsapp.ValidateSignature(s.opts.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get(HeaderTwilioSignature)) {
			slog.Warn("Server.twilioWebhookHandler: signature mismatch", "url", fullURL)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	msg, err := twiliowhatsapp.ParseWebhook(r.PostForm, time.Now().UTC())
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: malformed delivery", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed Twilio delivery"))
		return
	}

	report := s.dispatcher.ProcessMessage(context.WithoutCancel(r.Context()), msg)
	slog.Debug("Server.twilioWebhookHandler: message processed", "id", msg.ID, "aborted", report.Aborted())
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<Response></Response>")
}

// usersHandler lists every user with their stats (GET /users).
func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	users := s.users.AllUsers(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

// userStatsHandler returns one user's stats (GET /users/{id}/stats).
func (s *Server) userStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := util.CanonicalIdentity(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user id"))
		return
	}
	stats, err := s.users.StatsFor(r.Context(), userID)
	if err != nil {
		slog.Error("Server.userStatsHandler: stats unavailable", "user", util.MaskIdentity(userID), "code", models.CodeOf(err), "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to get stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// healthHandler reports collaborator status (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.health != nil {
		components = s.health(r.Context())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(components))
}

// requestURL rebuilds the URL Twilio signed, preferring the configured public URL.
func (s *Server) requestURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ValidHubSignature checks a Meta "sha256=<hex>" payload signature.
func ValidHubSignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
