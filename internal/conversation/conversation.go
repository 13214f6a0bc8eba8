// Package conversation owns the per-user message log and the per-user location record.
//
// ConversationStore appends immutable message records and serves the bounded,
// chronological history window used for prompt construction. LocationStore keeps
// one upserted locale record per user.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/events"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/oklog/ulid/v2"
)

// DefaultMemoryLimit is the history window size used when none is configured.
const DefaultMemoryLimit = 30

// CodeHistoryLookup tags history lookup failures in the logs.
const CodeHistoryLookup = "ERR200"

// UnknownUserName is reported in stats when no record carries a display name.
const UnknownUserName = "Unknown"

// ConversationStore is the append-only message log. It is safe for concurrent use.
type ConversationStore struct {
	repo        store.MessageRepo
	publisher   events.Publisher
	memoryLimit int
	now         func() time.Time
}

// Option configures a ConversationStore.
type Option func(*ConversationStore)

// WithPublisher publishes an event after every successful append.
func WithPublisher(p events.Publisher) Option {
	return func(s *ConversationStore) { s.publisher = p }
}

// WithMemoryLimit sets the default history window size.
func WithMemoryLimit(n int) Option {
	return func(s *ConversationStore) {
		if n > 0 {
			s.memoryLimit = n
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationStore) { s.now = now }
}

// NewConversationStore creates a store over repo. A nil repo behaves as an
// unreachable backend.
func NewConversationStore(repo store.MessageRepo, opts ...Option) *ConversationStore {
	if repo == nil {
		repo = store.Unavailable{}
	}
	s := &ConversationStore{repo: repo, memoryLimit: DefaultMemoryLimit, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MemoryLimit returns the configured history window size.
func (s *ConversationStore) MemoryLimit() int {
	return s.memoryLimit
}

// Append writes rec. Missing id, timestamp and conversation id are filled in.
// Failures are *models.CodedError with STORE_UNAVAILABLE or WRITE_FAILED.
func (s *ConversationStore) Append(ctx context.Context, rec models.MessageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	if rec.ID == "" {
		rec.ID = ulid.MustNew(ulid.Timestamp(rec.Timestamp), ulid.DefaultEntropy()).String()
	}
	if rec.ConversationID == "" {
		rec.ConversationID = models.ConversationID(rec.UserID)
	}
	if rec.MessageType == "" {
		rec.MessageType = models.MessageTypeText
	}

	if err := s.repo.InsertMessage(ctx, rec); err != nil {
		code := models.ErrorWriteFailed
		if errors.Is(err, store.ErrUnavailable) {
			code = models.ErrorStoreUnavailable
		}
		slog.Error("ConversationStore.Append: insert failed", "user", util.MaskIdentity(rec.UserID), "code", code, "error", err)
		return models.NewCodedError(code, "append message", err)
	}
	slog.Debug("ConversationStore.Append: saved message", "user", util.MaskIdentity(rec.UserID), "sender", rec.SenderType, "id", rec.ID)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.MessagePersistedV1, events.MessagePersistedEnvelope(rec)); err != nil {
			slog.Warn("ConversationStore.Append: event publish failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// RecentHistory returns at most limit of the user's most recent records in
// chronological order. limit <= 0 uses the memory limit. Any failure yields an
// empty slice since history is context, not correctness.
func (s *ConversationStore) RecentHistory(ctx context.Context, userID string, limit int) []models.MessageRecord {
	if limit <= 0 {
		limit = s.memoryLimit
	}
	recs, err := s.repo.FindMessages(ctx, store.MessageQuery{
		Filter: store.MessageFilter{UserID: userID, ConversationID: models.ConversationID(userID)},
		Order:  store.SortDescending,
		Limit:  limit,
	})
	if err != nil {
		slog.Error("ConversationStore.RecentHistory: lookup failed", "user", util.MaskIdentity(userID), "code", CodeHistoryLookup, "error", err)
		return []models.MessageRecord{}
	}

	history := make([]models.MessageRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].UserID == userID {
			history = append(history, recs[i])
		}
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// MessageCount returns the user's total number of records. On outage it
// returns 0 with a STORE_UNAVAILABLE error so callers can tell "none" from "unknown".
func (s *ConversationStore) MessageCount(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.CountMessages(ctx, store.MessageFilter{UserID: userID})
	if err != nil {
		slog.Warn("ConversationStore.MessageCount: count failed", "user", util.MaskIdentity(userID), "error", err)
		return 0, models.NewCodedError(models.ErrorStoreUnavailable, "count messages", err)
	}
	return n, nil
}

// StatsFor aggregates the user's message counts, first and last timestamps and
// the most recent display name. Failures are STATS_UNAVAILABLE.
func (s *ConversationStore) StatsFor(ctx context.Context, userID string) (models.UserStats, error) {
	stats := models.UserStats{
		UserID:         userID,
		UserName:       UnknownUserName,
		PhoneNumber:    userID,
		ConversationID: models.ConversationID(userID),
	}
	fail := func(op string, err error) (models.UserStats, error) {
		slog.Error("ConversationStore.StatsFor: "+op+" failed", "user", util.MaskIdentity(userID), "error", err)
		return models.UserStats{}, models.NewCodedError(models.ErrorStatsUnavailable, op, err)
	}

	var err error
	userFilter := store.MessageFilter{UserID: userID}
	if stats.TotalMessages, err = s.repo.CountMessages(ctx, userFilter); err != nil {
		return fail("count total", err)
	}
	if stats.UserMessages, err = s.repo.CountMessages(ctx, store.MessageFilter{UserID: userID, SenderType: models.SenderUser}); err != nil {
		return fail("count user", err)
	}
	if stats.BotMessages, err = s.repo.CountMessages(ctx, store.MessageFilter{UserID: userID, SenderType: models.SenderBot}); err != nil {
		return fail("count bot", err)
	}

	first, err := s.repo.FindMessages(ctx, store.MessageQuery{Filter: userFilter, Order: store.SortAscending, Limit: 1})
	if err != nil {
		return fail("first message", err)
	}
	if len(first) > 0 {
		ts := first[0].Timestamp
		stats.FirstMessage = &ts
	}
	last, err := s.repo.FindMessages(ctx, store.MessageQuery{Filter: userFilter, Order: store.SortDescending, Limit: 1})
	if err != nil {
		return fail("last message", err)
	}
	if len(last) > 0 {
		ts := last[0].Timestamp
		stats.LastMessage = &ts
	}

	named, err := s.repo.FindMessages(ctx, store.MessageQuery{
		Filter: store.MessageFilter{UserID: userID, HasDisplayName: true},
		Order:  store.SortDescending,
		Limit:  1,
	})
	if err != nil {
		return fail("display name", err)
	}
	if len(named) > 0 {
		stats.UserName = named[0].UserDisplayName
		if named[0].PhoneNumber != "" {
			stats.PhoneNumber = named[0].PhoneNumber
		}
	}
	return stats, nil
}

// AllUsers returns stats for every known user, most recently active first.
// Users whose stats cannot be computed are left out.
func (s *ConversationStore) AllUsers(ctx context.Context) []models.UserStats {
	ids, err := s.repo.DistinctUserIDs(ctx)
	if err != nil {
		slog.Error("ConversationStore.AllUsers: listing users failed", "error", err)
		return []models.UserStats{}
	}
	users := make([]models.UserStats, 0, len(ids))
	for _, id := range ids {
		st, err := s.StatsFor(ctx, id)
		if err != nil {
			continue
		}
		users = append(users, st)
	}
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i].LastMessage, users[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return users
}
