package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// MessageLog is the part of the conversation store the dispatcher writes through.
type MessageLog interface {
	Append(ctx context.Context, rec models.MessageRecord) error
	MessageCount(ctx context.Context, userID string) (int, error)
}

// LocationWriter upserts the advisory locale record.
type LocationWriter interface {
	Upsert(ctx context.Context, userID string, loc *models.LocaleRecord, displayName string) bool
}

// LocaleResolver maps a phone number to its locale.
type LocaleResolver interface {
	Resolve(raw string) (*models.LocaleRecord, bool)
}

// ReplySource produces the bot reply for a text. It never fails.
type ReplySource interface {
	Generate(ctx context.Context, userID, text string) string
}

// Dispatcher runs the per-message state machine. It holds no per-event state and
// is safe for concurrent use when its collaborators are.
type Dispatcher struct {
	log       MessageLog
	locations LocationWriter
	resolver  LocaleResolver
	replies   ReplySource
	sender    messaging.Sender
	dedup     store.DedupRepo
	profile   Profile
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup enables the inbound de-duplication guard.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) { d.dedup = repo }
}

// WithProfile sets the bot profile used for the welcome notice.
func WithProfile(p Profile) DispatcherOption {
	return func(d *Dispatcher) { d.profile = p }
}

// NewDispatcher wires the pipeline. locations and resolver may be nil, which
// disables locale detection.
func NewDispatcher(log MessageLog, locations LocationWriter, resolver LocaleResolver, replies ReplySource, sender messaging.Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:       log,
		locations: locations,
		resolver:  resolver,
		replies:   replies,
		sender:    sender,
		profile:   DefaultProfile(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessEvent handles every message and status update of a webhook delivery.
// Each message is processed independently; one failing message never stops its siblings.
func (d *Dispatcher) ProcessEvent(ctx context.Context, evt models.WebhookEvent) []Report {
	var reports []Report
	for _, entry := range evt.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.InboundMessages() {
				reports = append(reports, d.ProcessMessage(ctx, msg))
			}
			for _, st := range change.Value.StatusUpdates() {
				d.ObserveStatus(st)
			}
		}
	}
	return reports
}

// ObserveStatus logs a delivery status update. Status updates cause no transition.
func (d *Dispatcher) ObserveStatus(st models.StatusUpdate) {
	slog.Debug("Dispatcher.ObserveStatus: status update", "id", st.ID, "recipient", util.MaskIdentity(st.RecipientID), "status", st.Status)
}

// ProcessMessage runs one inbound message through the pipeline and reports
// every step's outcome. It never returns an error; hard failures are recorded
// in the report.
func (d *Dispatcher) ProcessMessage(ctx context.Context, msg models.InboundMessage) Report {
	report := Report{MessageID: msg.ID, UserID: msg.From}

	duplicate, o := d.guardDuplicate(ctx, msg)
	report.add(o)
	if duplicate {
		report.Skipped = true
		return report
	}

	userID, o := d.classify(msg)
	report.UserID = userID
	if report.add(o).Tier != TierOK {
		report.Skipped = true
		return report
	}

	if msg.Type != models.MessageTypeText {
		d.handleNonText(ctx, &report, userID, msg)
		d.markProcessed(ctx, &report, msg.ID)
		return report
	}

	newUser, o := d.detectNewUser(ctx, userID)
	report.NewUser = newUser
	report.add(o)

	if newUser {
		report.add(d.detectLocale(ctx, userID, msg.DisplayName))
	}

	inbound := models.MessageRecord{
		UserID:          userID,
		SenderType:      models.SenderUser,
		MessageType:     models.MessageTypeText,
		Body:            msg.Text,
		UserDisplayName: msg.DisplayName,
		PhoneNumber:     userID,
	}
	if err := d.log.Append(ctx, inbound); err != nil {
		report.add(hardOutcome(StepPersistInbound, models.ErrorStoreUnavailable, err))
		slog.Error("Dispatcher.ProcessMessage: inbound persistence failed, aborting", "code", CodeInboundPersist, "user", util.MaskIdentity(userID), "error", err)
		report.add(d.send(ctx, StepSendNotice, userID, UserSafeError(CodeInboundPersist)))
		return report
	}
	report.add(okOutcome(StepPersistInbound))

	if newUser {
		welcome := d.profile.WelcomeMessage(msg.DisplayName)
		report.add(d.send(ctx, StepSendWelcome, userID, welcome))
		report.add(d.persistBot(ctx, StepPersistWelcome, userID, welcome, msg.DisplayName))
	}

	report.Reply = d.replies.Generate(ctx, userID, msg.Text)
	report.add(okOutcome(StepGenerateReply))

	report.add(d.persistBot(ctx, StepPersistReply, userID, report.Reply, msg.DisplayName))
	report.add(d.send(ctx, StepDispatch, userID, report.Reply))

	d.markProcessed(ctx, &report, msg.ID)
	return report
}

// guardDuplicate records the provider message id and reports whether the
// message was seen before. Redeliveries are expected, so the skip is soft.
func (d *Dispatcher) guardDuplicate(ctx context.Context, msg models.InboundMessage) (bool, Outcome) {
	if d.dedup == nil || msg.ID == "" {
		return false, okOutcome(StepDedup)
	}
	isNew, err := d.dedup.RecordInbound(ctx, msg.ID, msg.From)
	if err != nil {
		slog.Warn("Dispatcher.guardDuplicate: dedup unavailable, processing anyway", "id", msg.ID, "error", err)
		return false, softOutcome(StepDedup, models.ErrorStoreUnavailable, err)
	}
	if !isNew {
		slog.Info("Dispatcher.guardDuplicate: duplicate delivery skipped", "id", msg.ID, "user", util.MaskIdentity(msg.From))
		return true, softOutcome(StepDedup, models.ErrorDuplicateDelivery, fmt.Errorf("duplicate message %s", msg.ID))
	}
	return false, okOutcome(StepDedup)
}

// classify canonicalises the sender identity and rejects text messages without a body.
func (d *Dispatcher) classify(msg models.InboundMessage) (string, Outcome) {
	userID, ok := util.CanonicalIdentity(msg.From)
	if !ok {
		slog.Debug("Dispatcher.classify: malformed sender identity", "from", msg.From)
		return userID, softOutcome(StepClassify, models.ErrorMalformedEvent, fmt.Errorf("malformed sender identity %q", msg.From))
	}
	if msg.Type == models.MessageTypeText && strings.TrimSpace(msg.Text) == "" {
		slog.Debug("Dispatcher.classify: empty text body", "id", msg.ID, "user", util.MaskIdentity(userID))
		return userID, softOutcome(StepClassify, models.ErrorMalformedEvent, fmt.Errorf("empty text body"))
	}
	return userID, okOutcome(StepClassify)
}

// handleNonText stores a "[TYPE]" placeholder and sends the text-only notice.
func (d *Dispatcher) handleNonText(ctx context.Context, report *Report, userID string, msg models.InboundMessage) {
	msgType := msg.Type
	if msgType == "" {
		msgType = models.MessageTypeUnknown
	}
	rec := models.MessageRecord{
		UserID:      userID,
		SenderType:  models.SenderUser,
		MessageType: msgType,
		Body:        models.PlaceholderBody(msgType),
	}
	if err := d.log.Append(ctx, rec); err != nil {
		report.add(softOutcome(StepPersistInbound, models.ErrorWriteFailed, err))
	} else {
		report.add(okOutcome(StepPersistInbound))
	}
	report.add(d.send(ctx, StepSendNotice, userID, TextOnlyNotice))
}

// detectNewUser is evaluated before the inbound message is persisted. An
// unreachable store counts as "not new" so an outage never re-sends the welcome.
func (d *Dispatcher) detectNewUser(ctx context.Context, userID string) (bool, Outcome) {
	n, err := d.log.MessageCount(ctx, userID)
	if err != nil {
		slog.Warn("Dispatcher.detectNewUser: count unavailable, assuming existing user", "user", util.MaskIdentity(userID), "error", err)
		return false, softOutcome(StepDetectNewUser, models.ErrorStoreUnavailable, err)
	}
	if n == 0 {
		slog.Info("Dispatcher.detectNewUser: new user registered", "user", util.MaskIdentity(userID))
	}
	return n == 0, okOutcome(StepDetectNewUser)
}

func (d *Dispatcher) detectLocale(ctx context.Context, userID, displayName string) Outcome {
	if d.resolver == nil || d.locations == nil {
		return softOutcome(StepLocaleDetect, models.ErrorConfigurationMissing, nil)
	}
	loc, ok := d.resolver.Resolve(userID)
	if !ok {
		slog.Debug("Dispatcher.detectLocale: no locale for identity", "user", util.MaskIdentity(userID))
		return softOutcome(StepLocaleDetect, models.ErrorMalformedEvent, nil)
	}
	if !d.locations.Upsert(ctx, userID, loc, displayName) {
		return softOutcome(StepLocaleDetect, models.ErrorWriteFailed, nil)
	}
	slog.Debug("Dispatcher.detectLocale: location saved", "user", util.MaskIdentity(userID), "country", loc.CountryCode)
	return okOutcome(StepLocaleDetect)
}

func (d *Dispatcher) persistBot(ctx context.Context, step Step, userID, body, displayName string) Outcome {
	err := d.log.Append(ctx, models.MessageRecord{
		UserID:          userID,
		SenderType:      models.SenderBot,
		MessageType:     models.MessageTypeText,
		Body:            body,
		UserDisplayName: displayName,
		PhoneNumber:     userID,
	})
	if err != nil {
		slog.Warn("Dispatcher.persistBot: bot message not saved", "step", step, "user", util.MaskIdentity(userID), "error", err)
		return softOutcome(step, models.ErrorWriteFailed, err)
	}
	return okOutcome(step)
}

// send dispatches body once. Transport failures are soft; there is no retry.
func (d *Dispatcher) send(ctx context.Context, step Step, userID, body string) Outcome {
	if d.sender == nil {
		slog.Error("Dispatcher.send: no transport configured", "step", step, "user", util.MaskIdentity(userID))
		return softOutcome(step, models.ErrorConfigurationMissing, messaging.ErrNotConfigured)
	}
	if err := d.sender.SendMessage(ctx, userID, body); err != nil {
		slog.Error("Dispatcher.send: failed to send WhatsApp message", "step", step, "user", util.MaskIdentity(userID), "error", err)
		return softOutcome(step, models.ErrorTransportFailure, err)
	}
	return okOutcome(step)
}

func (d *Dispatcher) markProcessed(ctx context.Context, report *Report, messageID string) {
	if d.dedup == nil || messageID == "" {
		return
	}
	if err := d.dedup.MarkProcessed(ctx, messageID); err != nil {
		slog.Warn("Dispatcher.markProcessed: failed", "id", messageID, "error", err)
		report.add(softOutcome(StepMarkProcessed, models.ErrorStoreUnavailable, err))
		return
	}
	report.add(okOutcome(StepMarkProcessed))
}
