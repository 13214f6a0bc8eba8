package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/conversation"
	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/testutil"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
)

const (
	testVerifyToken = "verify-me"
	testAdminToken  = "admin-secret"
	testAppSecret   = "app-secret"
	testTwilioToken = "twilio-token"
	testPublicURL   = "https://bot.example.com"
)

type testEnv struct {
	repo   *store.InMemoryStore
	twilio *twiliowhatsapp.MockClient
	server *Server
}

// newTestServer builds a server over an in-memory store, the echo reply path
// and the Twilio mock transport.
func newTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	repo := store.NewInMemoryStore()
	convs := conversation.NewConversationStore(repo)
	twilio := twiliowhatsapp.NewMockClient()
	sender := messaging.NewTwilioService(twilio)
	t.Cleanup(func() { _ = sender.Stop() })

	replies := flow.NewReplyGenerator(flow.NewPromptBuilder(convs, nil, flow.DefaultProfile()), nil)
	dispatcher := flow.NewDispatcher(convs, nil, nil, replies, sender, flow.WithDedup(repo))
	health := func(ctx context.Context) map[string]string {
		return map[string]string{"database": "connected", "ai": "disabled"}
	}

	base := []Option{WithVerifyToken(testVerifyToken), WithAdminToken(testAdminToken)}
	return &testEnv{
		repo:   repo,
		twilio: twilio,
		server: NewServer(dispatcher, convs, health, append(base, opts...)...),
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) sentBodies() []string {
	var out []string
	for _, m := range e.twilio.SentMessages {
		out = append(out, m.Body)
	}
	return out
}

const textDelivery = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
	"messaging_product":"whatsapp",
	"contacts":[{"wa_id":"15551234567","profile":{"name":"Ada"}}],
	"messages":[{"from":"15551234567","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"hello"}}]
}}]}]}`

func TestVerifyWebhook(t *testing.T) {
	env := newTestServer(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid verify token")
	if rr.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", rr.Body.String())
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/webhook?hub.verify_token=wrong&hub.challenge=12345", nil))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "invalid verify token")
}

func TestWebhook_TextMessage(t *testing.T) {
	env := newTestServer(t)

	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", textDelivery))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "text delivery")
	testutil.AssertJSONResponse(t, rr, "received")

	bodies := env.sentBodies()
	if len(bodies) != 2 {
		t.Fatalf("expected welcome and reply, got %v", bodies)
	}
	if !strings.Contains(bodies[0], "Hello Ada!") {
		t.Errorf("expected welcome first, got %q", bodies[0])
	}
	if bodies[1] != "Echo: hello" {
		t.Errorf("expected echo reply, got %q", bodies[1])
	}

	// A redelivery of the same message id is acknowledged but not processed again.
	rr = env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", textDelivery))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "redelivery")
	if len(env.sentBodies()) != 2 {
		t.Errorf("expected no new messages on redelivery, got %v", env.sentBodies())
	}
}

func TestWebhook_OversizedBody(t *testing.T) {
	env := newTestServer(t)
	body := `{"object":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`
	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", body))
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "oversized delivery")
	testutil.AssertJSONResponse(t, rr, "error")

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {strings.Repeat("x", maxWebhookBodyBytes)}}
	rr = env.do(testutil.CreateFormRequest(t, "/twilio/webhook", form))
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "oversized twilio delivery")
}

// ctxStore fails writes once the caller's context is done, as SQL drivers do.
type ctxStore struct {
	*store.InMemoryStore
}

func (s ctxStore) InsertMessage(ctx context.Context, rec models.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.InMemoryStore.InsertMessage(ctx, rec)
}

// ctxSender fails sends once the caller's context is done, as HTTP clients do.
type ctxSender struct {
	mu     sync.Mutex
	bodies []string
}

func (s *ctxSender) SendMessage(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	return nil
}

// hangupCompleter cancels the request context while the reply is generated.
type hangupCompleter struct {
	cancel context.CancelFunc
}

func (c hangupCompleter) Complete(ctx context.Context, messages []genai.Message) (string, error) {
	c.cancel()
	return "generated after hangup", nil
}

var _ genai.Completer = hangupCompleter{}

func TestWebhook_ClientDisconnectDoesNotCancelProcessing(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"meta", func(t *testing.T) *http.Request {
			return testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", textDelivery)
		}},
		{"twilio", func(t *testing.T) *http.Request {
			form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}, "MessageSid": {"SM1"}, "ProfileName": {"Ada"}}
			return testutil.CreateFormRequest(t, "/twilio/webhook", form)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := ctxStore{store.NewInMemoryStore()}
			convs := conversation.NewConversationStore(repo)
			sender := &ctxSender{}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			replies := flow.NewReplyGenerator(flow.NewPromptBuilder(convs, nil, flow.DefaultProfile()), hangupCompleter{cancel: cancel})
			dispatcher := flow.NewDispatcher(convs, nil, nil, replies, sender)
			server := NewServer(dispatcher, convs, nil)

			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, tt.req(t).WithContext(ctx))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delivery")

			n, err := repo.CountMessages(context.Background(), store.MessageFilter{UserID: "15551234567"})
			if err != nil || n != 3 {
				t.Errorf("expected inbound, welcome and reply persisted, got %d (err %v)", n, err)
			}
			if len(sender.bodies) != 2 || sender.bodies[1] != "generated after hangup" {
				t.Errorf("expected welcome and reply sent, got %v", sender.bodies)
			}
		})
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", "{not json"))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid json")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestWebhook_Signature(t *testing.T) {
	env := newTestServer(t, WithAppSecret(testAppSecret))

	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", textDelivery))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing signature")

	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write([]byte(textDelivery))
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", textDelivery)
	req.Header.Set(HeaderHubSignature, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rr = env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid signature")
}

func TestValidHubSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !ValidHubSignature("s", body, good) {
		t.Error("expected valid signature")
	}
	for _, bad := range []string{"", "sha256=zz", "sha1=" + hex.EncodeToString(mac.Sum(nil)), good + "00"} {
		if ValidHubSignature("s", body, bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil))

	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "panic recovered")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	msg, _ := resp["message"].(string)
	id, ok := strings.CutPrefix(msg, "Internal error ")
	if !ok || len(id) != 8 {
		t.Errorf("expected correlation id in message, got %q", msg)
	}
}

// twilioSignature computes X-Twilio-Signature for a form post.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k + form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhook(t *testing.T) {
	env := newTestServer(t, WithTwilioAuthToken(testTwilioToken), WithPublicURL(testPublicURL))
	form := url.Values{
		"From":        {"whatsapp:+15551234567"},
		"Body":        {"hello"},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Ada"},
	}

	rr := env.do(testutil.CreateFormRequest(t, "/twilio/webhook", form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned twilio post")
	if len(env.sentBodies()) != 0 {
		t.Fatalf("unsigned post must not be processed")
	}

	req := testutil.CreateFormRequest(t, "/twilio/webhook", form)
	req.Header.Set(HeaderTwilioSignature, twilioSignature(testTwilioToken, testPublicURL+"/twilio/webhook", form))
	rr = env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed twilio post")
	if got := env.sentBodies(); len(got) != 2 || got[1] != "Echo: hello" {
		t.Errorf("unexpected sent messages %v", got)
	}
	if env.twilio.SentMessages[0].To != "15551234567" {
		t.Errorf("unexpected recipient %s", env.twilio.SentMessages[0].To)
	}
}

func TestTwilioWebhook_MissingFrom(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(testutil.CreateFormRequest(t, "/twilio/webhook", url.Values{"Body": {"hi"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing From")
}

func seedConversation(t *testing.T, repo store.MessageRepo) {
	t.Helper()
	testutil.SeedMessages(t, repo,
		models.MessageRecord{ID: "01", UserID: "15551234567", SenderType: models.SenderUser, Body: "hi", Timestamp: time.Unix(100, 0), UserDisplayName: "Ada", PhoneNumber: "15551234567"},
		models.MessageRecord{ID: "02", UserID: "15551234567", SenderType: models.SenderBot, Body: "hello", Timestamp: time.Unix(101, 0)},
		models.MessageRecord{ID: "03", UserID: "447700900123", SenderType: models.SenderUser, Body: "hey", Timestamp: time.Unix(200, 0)},
	)
}

func adminRequest(t *testing.T, path, token string) *http.Request {
	req := testutil.CreateHTTPRequest(t, http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestUsersHandler(t *testing.T) {
	env := newTestServer(t)
	seedConversation(t, env.repo)

	rr := env.do(adminRequest(t, "/users", ""))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing admin token")

	rr = env.do(adminRequest(t, "/users", "wrong"))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "wrong admin token")

	rr = env.do(adminRequest(t, "/users", testAdminToken))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "users listing")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	users, _ := resp["result"].([]interface{})
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", resp["result"])
	}
	first := users[0].(map[string]interface{})
	if first["user_id"] != "447700900123" {
		t.Errorf("expected most recent user first, got %v", first["user_id"])
	}
}

func TestUserStatsHandler(t *testing.T) {
	env := newTestServer(t)
	seedConversation(t, env.repo)

	rr := env.do(adminRequest(t, "/users/15551234567/stats", testAdminToken))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "user stats")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	stats := resp["result"].(map[string]interface{})
	if stats["total_messages"].(float64) != 2 || stats["user_name"] != "Ada" {
		t.Errorf("unexpected stats %v", stats)
	}

	rr = env.do(adminRequest(t, "/users/abc/stats", testAdminToken))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid user id")
}

func TestUserStatsHandler_StoreOutage(t *testing.T) {
	convs := conversation.NewConversationStore(store.Unavailable{})
	server := NewServer(nil, convs, nil, WithAdminToken(testAdminToken))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, adminRequest(t, "/users/15551234567/stats", testAdminToken))

	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "stats during outage")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	server := NewServer(nil, conversation.NewConversationStore(store.NewInMemoryStore()), nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, adminRequest(t, "/users", "anything"))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "admin disabled")
}

func TestHealthHandler(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["database"] != "connected" {
		t.Errorf("unexpected health %v", result)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	server := NewServer(nil, nil, nil, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
