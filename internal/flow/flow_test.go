package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// fakeCompleter returns a canned reply and records every prompt it receives.
type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]genai.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []genai.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, messages)
	return f.reply, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type sentMessage struct {
	To   string
	Body string
}

// fakeSender records outbound messages in dispatch order.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{To: to, Body: body})
	return nil
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Body
	}
	return out
}

// failingInserts wraps an in-memory store and rejects every message insert.
type failingInserts struct {
	*store.InMemoryStore
}

func (f failingInserts) InsertMessage(ctx context.Context, rec models.MessageRecord) error {
	return errors.New("insert: " + store.ErrUnavailable.Error())
}

// stepClock advances by one second on every call.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func textMessage(id, from, text string) models.InboundMessage {
	return models.InboundMessage{ID: id, From: from, DisplayName: "Ada", Type: models.MessageTypeText, Text: text}
}

func testProfile() Profile {
	p := DefaultProfile()
	p.BotName = "TestBot"
	p.CreatorName = "Test Team"
	p.CreatorEmail = "team@example.com"
	p.PrivacyURL = "https://example.com/privacy"
	p.TermsURL = "https://example.com/terms"
	return p
}
