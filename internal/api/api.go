// Package api provides the HTTP server for ReplyPipe.
//
// It receives WhatsApp webhook deliveries (Meta Cloud API and Twilio), hands
// them to the message dispatcher, and exposes read-only admin endpoints for
// per-user conversation statistics.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	maxWebhookBodyBytes    = 1 << 20
)

// EventProcessor runs inbound deliveries through the message pipeline.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt models.WebhookEvent) []flow.Report
	ProcessMessage(ctx context.Context, msg models.InboundMessage) flow.Report
}

// UserDirectory serves the administrative user views.
type UserDirectory interface {
	AllUsers(ctx context.Context) []models.UserStats
	StatsFor(ctx context.Context, userID string) (models.UserStats, error)
}

// HealthFunc reports the state of each collaborator, e.g. "database": "connected".
type HealthFunc func(ctx context.Context) map[string]string

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string // listen address
	VerifyToken     string // Meta webhook verification token
	AppSecret       string // Meta app secret for X-Hub-Signature-256; empty disables the check
	TwilioAuthToken string // Twilio auth token for X-Twilio-Signature; empty disables the check
	PublicURL       string // externally visible base URL, used to validate Twilio signatures
	AdminToken      string // bearer token for admin endpoints; empty disables them
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the Meta webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret enables Meta payload signature checks.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithTwilioAuthToken enables Twilio request signature checks.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithPublicURL sets the externally visible base URL, e.g. https://bot.example.com.
func WithPublicURL(url string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(url, "/") }
}

// WithAdminToken enables the admin endpoints behind a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server wires HTTP routes to the dispatcher and the conversation store.
type Server struct {
	opts       Opts
	dispatcher EventProcessor
	users      UserDirectory
	health     HealthFunc
	httpServer *http.Server
}

// NewServer creates a server. health may be nil.
func NewServer(dispatcher EventProcessor, users UserDirectory, health HealthFunc, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.VerifyToken == "" {
		slog.Warn("NewServer: VERIFY_TOKEN not set; webhook verification will always fail")
	}
	if cfg.AdminToken == "" {
		slog.Info("NewServer: ADMIN_TOKEN not set; admin endpoints disabled")
	}
	return &Server{opts: cfg, dispatcher: dispatcher, users: users, health: health}
}

// Handler returns the routed handler with panic recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.verifyWebhookHandler)
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("POST /twilio/webhook", s.twilioWebhookHandler)
	mux.HandleFunc("GET /users", s.adminOnly(s.usersHandler))
	mux.HandleFunc("GET /users/{id}/stats", s.adminOnly(s.userStatsHandler))
	mux.HandleFunc("GET /health", s.healthHandler)
	return recoverMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: ReplyPipe API listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

// recoverMiddleware turns panics into a generic 500 carrying a correlation id.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				id := util.CorrelationID()
				slog.Error("Server: panic while handling request", "correlation_id", id, "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal error "+id))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// adminOnly requires "Authorization: Bearer <ADMIN_TOKEN>".
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeJSONResponse(w, http.StatusForbidden, models.Error("Admin endpoints disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			slog.Warn("Server.adminOnly: unauthorized request", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next(w, r)
	}
}
