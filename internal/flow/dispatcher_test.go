package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/conversation"
	"github.com/BTreeMap/ReplyPipe/internal/locale"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	repo      store.Store
	convs     *conversation.ConversationStore
	locations *conversation.LocationStore
	completer *fakeCompleter
	sender    *fakeSender
	d         *Dispatcher
}

func newHarness(t *testing.T, repo store.Store, opts ...DispatcherOption) *harness {
	t.Helper()
	clock := newStepClock()
	h := &harness{
		repo:      repo,
		convs:     conversation.NewConversationStore(repo, conversation.WithClock(clock.Now)),
		locations: conversation.NewLocationStore(repo, clock.Now),
		completer: &fakeCompleter{reply: "Generated reply"},
		sender:    &fakeSender{},
	}
	resolver := locale.NewResolver([]locale.Entry{
		{Name: "USA", Code: "US", DialCode: "1"},
		{Name: "Kenya", Code: "KE", DialCode: "254"},
	})
	profile := testProfile()
	builder := NewPromptBuilder(h.convs, h.locations, profile)
	replies := NewReplyGenerator(builder, h.completer)
	opts = append([]DispatcherOption{WithProfile(profile)}, opts...)
	h.d = NewDispatcher(h.convs, h.locations, resolver, replies, h.sender, opts...)
	return h
}

func TestDispatcher_FirstTimeUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewInMemoryStore())

	report := h.d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hi"))
	require.False(t, report.Aborted())
	assert.True(t, report.NewUser)
	assert.Equal(t, "Generated reply", report.Reply)

	loc := h.locations.Get(ctx, "15551234567")
	require.NotNil(t, loc)
	assert.Equal(t, "US", loc.CountryCode)
	assert.Equal(t, 1, loc.DetectionCount)
	assert.Equal(t, "Ada", loc.UserDisplayName)

	welcome := testProfile().WelcomeMessage("Ada")
	assert.Equal(t, []string{welcome, "Generated reply"}, h.sender.bodies())

	history := h.convs.RecentHistory(ctx, "15551234567", 10)
	require.Len(t, history, 3)
	assert.Equal(t, models.SenderUser, history[0].SenderType)
	assert.Equal(t, "hi", history[0].Body)
	assert.Equal(t, welcome, history[1].Body)
	assert.Equal(t, models.SenderBot, history[1].SenderType)
	assert.Equal(t, "Generated reply", history[2].Body)
	for _, rec := range history {
		assert.Equal(t, "chat_15551234567", rec.ConversationID)
	}

	// The prompt carries the inbound and welcome records plus the new text.
	require.Equal(t, 1, h.completer.calls())
	prompt := h.completer.prompts[0]
	assert.Equal(t, "hi", prompt[len(prompt)-1].Content)
	assert.Contains(t, prompt[0].Content, "USA (Code: US)")
}

func TestDispatcher_ReturningUserGetsNoWelcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewInMemoryStore())

	h.d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hi"))
	report := h.d.ProcessMessage(ctx, textMessage("wamid.2", "15551234567", "again"))

	assert.False(t, report.NewUser)
	_, ran := report.Outcome(StepSendWelcome)
	assert.False(t, ran)
	_, ran = report.Outcome(StepLocaleDetect)
	assert.False(t, ran)
	assert.Equal(t, 1, h.locations.Get(ctx, "15551234567").DetectionCount)
	assert.Len(t, h.sender.bodies(), 3)
}

func TestDispatcher_StoreOutage(t *testing.T) {
	h := newHarness(t, store.Unavailable{})

	report := h.d.ProcessMessage(context.Background(), textMessage("wamid.1", "15551234567", "hi"))

	assert.True(t, report.Aborted())
	o, ok := report.Outcome(StepPersistInbound)
	require.True(t, ok)
	assert.Equal(t, TierHard, o.Tier)
	assert.Equal(t, models.ErrorStoreUnavailable, o.Code)
	assert.False(t, report.NewUser, "outage must not count as a new user")
	assert.Equal(t, 0, h.completer.calls())
	assert.Equal(t, []string{UserSafeError(CodeInboundPersist)}, h.sender.bodies())
}

func TestDispatcher_FatalInboundWriteAbortsReply(t *testing.T) {
	h := newHarness(t, failingInserts{store.NewInMemoryStore()})

	report := h.d.ProcessMessage(context.Background(), textMessage("wamid.1", "15551234567", "hi"))

	assert.True(t, report.Aborted())
	assert.True(t, report.NewUser)
	assert.Equal(t, 0, h.completer.calls())
	assert.Equal(t, []string{UserSafeError(CodeInboundPersist)}, h.sender.bodies())
	_, ran := report.Outcome(StepDispatch)
	assert.False(t, ran)
}

func TestDispatcher_NonTextShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewInMemoryStore())

	report := h.d.ProcessMessage(ctx, models.InboundMessage{ID: "wamid.img", From: "15551234567", Type: "image"})

	assert.False(t, report.Aborted())
	assert.Equal(t, 0, h.completer.calls())
	assert.Equal(t, []string{TextOnlyNotice}, h.sender.bodies())
	assert.Nil(t, h.locations.Get(ctx, "15551234567"))

	history := h.convs.RecentHistory(ctx, "15551234567", 10)
	require.Len(t, history, 1)
	assert.Equal(t, "[IMAGE]", history[0].Body)
	assert.Equal(t, models.MessageType("image"), history[0].MessageType)
}

func TestDispatcher_TransportFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewInMemoryStore())
	h.sender.err = errors.New("503 from provider")

	report := h.d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hi"))

	assert.False(t, report.Aborted())
	o, ok := report.Outcome(StepDispatch)
	require.True(t, ok)
	assert.Equal(t, TierSoft, o.Tier)
	// The reply is still recorded even though it was never delivered.
	history := h.convs.RecentHistory(ctx, "15551234567", 10)
	assert.Equal(t, "Generated reply", history[len(history)-1].Body)
}

func TestDispatcher_EchoWithoutCompleter(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	convs := conversation.NewConversationStore(repo)
	sender := &fakeSender{}
	d := NewDispatcher(convs, nil, nil, NewReplyGenerator(NewPromptBuilder(convs, nil, testProfile()), nil), sender)

	report := d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hello"))
	assert.Equal(t, "Echo: hello", report.Reply)
	o, _ := report.Outcome(StepLocaleDetect)
	assert.Equal(t, TierSoft, o.Tier)
	assert.Contains(t, sender.bodies(), "Echo: hello")
}

func TestDispatcher_MalformedAndEmptyMessagesSkipped(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())

	for _, msg := range []models.InboundMessage{
		textMessage("wamid.1", "12", "hi"),
		textMessage("wamid.2", "15551234567", "   "),
	} {
		report := h.d.ProcessMessage(context.Background(), msg)
		assert.True(t, report.Skipped)
		o, _ := report.Outcome(StepClassify)
		assert.Equal(t, models.ErrorMalformedEvent, o.Code)
	}
	assert.Empty(t, h.sender.bodies())
	assert.Equal(t, 0, h.completer.calls())
}

func TestDispatcher_DuplicateDeliverySkipped(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	h := newHarness(t, repo, WithDedup(repo))

	first := h.d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hi"))
	second := h.d.ProcessMessage(ctx, textMessage("wamid.1", "15551234567", "hi"))

	assert.False(t, first.Skipped)
	o, ok := first.Outcome(StepMarkProcessed)
	require.True(t, ok)
	assert.Equal(t, TierOK, o.Tier)
	assert.True(t, second.Skipped)
	assert.False(t, second.Aborted(), "a redelivery is not a failure")
	o, ok = second.Outcome(StepDedup)
	require.True(t, ok)
	assert.Equal(t, TierSoft, o.Tier)
	assert.Equal(t, models.ErrorDuplicateDelivery, o.Code)
	assert.Equal(t, 1, h.completer.calls())
	assert.Len(t, h.sender.bodies(), 2)
}

func TestDispatcher_DedupOutageIsSoft(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore(), WithDedup(store.Unavailable{}))

	report := h.d.ProcessMessage(context.Background(), textMessage("wamid.1", "15551234567", "hi"))

	o, _ := report.Outcome(StepDedup)
	assert.Equal(t, TierSoft, o.Tier)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, h.completer.calls())
}

func TestDispatcher_ProcessEvent(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"contacts":[{"wa_id":"15551234567","profile":{"name":"Ada"}}],
		"messages":[
			{"from":"15551234567","id":"wamid.1","type":"text","text":{"body":"hi"}},
			"garbage",
			{"from":"254712345678","id":"wamid.2","type":"audio"}
		],
		"statuses":[{"id":"wamid.0","recipient_id":"15551234567","status":"read"}]
	}}]}]}`
	var evt models.WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &evt))

	reports := h.d.ProcessEvent(context.Background(), evt)
	require.Len(t, reports, 2)
	assert.Equal(t, "Generated reply", reports[0].Reply)
	assert.Contains(t, h.sender.bodies(), TextOnlyNotice)
	assert.Equal(t, "Ada", h.locations.Get(context.Background(), "15551234567").UserDisplayName)
}
