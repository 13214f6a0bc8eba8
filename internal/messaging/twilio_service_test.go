package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
)

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "+44 7700 900123", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "447700900123" {
		t.Fatalf("unexpected sent messages: %+v", mock.SentMessages)
	}
	st := <-svc.Statuses()
	if st.Status != StatusSent {
		t.Errorf("expected sent status, got %s", st.Status)
	}
}

func TestTwilioService_SendMessageFailure(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("401 unauthorized")
	svc := NewTwilioService(mock)
	err := svc.SendMessage(context.Background(), "447700900123", "hello")
	if models.CodeOf(err) != models.ErrorTransportFailure {
		t.Fatalf("expected TRANSPORT_FAILURE, got %v", err)
	}
	select {
	case st := <-svc.Statuses():
		t.Errorf("expected no status after failure, got %+v", st)
	default:
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 555 123 4567", "15551234567", false},
		{"whatsapp:+15551234567", "15551234567", false},
		{"", "", true},
		{"12345", "", true},
		{"1234567890123456", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want && !tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
