package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

func TestCloudService_SendMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody cloudMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	svc := NewCloudService("tok", "12345", WithGraphBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if gotPath != "/12345/messages" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody.MessagingProduct != "whatsapp" || gotBody.To != "15551234567" || gotBody.Type != "text" || gotBody.Text.Body != "hello" {
		t.Errorf("unexpected payload %+v", gotBody)
	}
	st := <-svc.Statuses()
	if st.ID != "wamid.out" || st.Status != StatusSent {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestCloudService_SendMessageHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc := NewCloudService("bad", "12345", WithGraphBaseURL(srv.URL))
	err := svc.SendMessage(context.Background(), "15551234567", "hello")
	if models.CodeOf(err) != models.ErrorTransportFailure {
		t.Fatalf("expected TRANSPORT_FAILURE, got %v", err)
	}
}

func TestCloudService_NotConfigured(t *testing.T) {
	svc := NewCloudService("", "")
	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCloudService_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := NewCloudService("tok", "12345", WithGraphBaseURL(url))
	err := svc.SendMessage(context.Background(), "15551234567", "hello")
	if models.CodeOf(err) != models.ErrorTransportFailure {
		t.Fatalf("expected TRANSPORT_FAILURE, got %v", err)
	}
}
