package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// InMemoryStore is a process-local Store used for tests and DSN-less runs.
type InMemoryStore struct {
	mu        sync.RWMutex
	messages  []models.MessageRecord
	locations map[string]models.LocationRecord
	dedup     map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locations: make(map[string]models.LocationRecord),
		dedup:     make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, rec models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rec)
	return nil
}

func (s *InMemoryStore) FindMessages(ctx context.Context, q MessageQuery) ([]models.MessageRecord, error) {
	s.mu.RLock()
	var out []models.MessageRecord
	for _, m := range s.messages {
		if matches(m, q.Filter) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sortRecords(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountMessages(ctx context.Context, f MessageFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if matches(m, f) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DistinctUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range s.messages {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func (s *InMemoryStore) GetLocation(ctx context.Context, userID string) (*models.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.locations[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) SaveLocation(ctx context.Context, rec models.LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[rec.UserID] = rec
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

func matches(m models.MessageRecord, f MessageFilter) bool {
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.ConversationID != "" && m.ConversationID != f.ConversationID {
		return false
	}
	if f.SenderType != "" && m.SenderType != f.SenderType {
		return false
	}
	if f.HasDisplayName && m.UserDisplayName == "" {
		return false
	}
	return true
}

// sortRecords orders by timestamp, breaking ties with the record id.
func sortRecords(recs []models.MessageRecord, order SortOrder) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if order == SortDescending {
			a, b = b, a
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// Unavailable is the Store used when no backend could be reached.
// Every call fails with ErrUnavailable.
type Unavailable struct{}

// Compile-time check that Unavailable implements Store.
var _ Store = Unavailable{}

func (Unavailable) InsertMessage(context.Context, models.MessageRecord) error { return ErrUnavailable }
func (Unavailable) FindMessages(context.Context, MessageQuery) ([]models.MessageRecord, error) {
	return nil, ErrUnavailable
}
func (Unavailable) CountMessages(context.Context, MessageFilter) (int, error) {
	return 0, ErrUnavailable
}
func (Unavailable) DistinctUserIDs(context.Context) ([]string, error) { return nil, ErrUnavailable }
func (Unavailable) GetLocation(context.Context, string) (*models.LocationRecord, error) {
	return nil, ErrUnavailable
}
func (Unavailable) SaveLocation(context.Context, models.LocationRecord) error { return ErrUnavailable }
func (Unavailable) RecordInbound(context.Context, string, string) (bool, error) {
	return false, ErrUnavailable
}
func (Unavailable) MarkProcessed(context.Context, string) error { return ErrUnavailable }
func (Unavailable) PruneDedup(context.Context, time.Time) (int64, error) {
	return 0, ErrUnavailable
}
func (Unavailable) Close() error { return nil }
