package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// LocationStore keeps one advisory locale record per user.
type LocationStore struct {
	repo store.LocationRepo
	now  func() time.Time
}

// NewLocationStore creates a store over repo. A nil repo behaves as an unreachable
// backend. now may be nil to use time.Now.
func NewLocationStore(repo store.LocationRepo, now func() time.Time) *LocationStore {
	if repo == nil {
		repo = store.Unavailable{}
	}
	if now == nil {
		now = time.Now
	}
	return &LocationStore{repo: repo, now: now}
}

// Upsert merges loc into the user's record: the first detection time is kept,
// the detection count grows by one and the update time is refreshed. It reports
// false on any persistence failure; callers never block on it.
func (s *LocationStore) Upsert(ctx context.Context, userID string, loc *models.LocaleRecord, displayName string) bool {
	if loc == nil {
		return false
	}
	existing, err := s.repo.GetLocation(ctx, userID)
	if err != nil {
		slog.Error("LocationStore.Upsert: read failed", "user", util.MaskIdentity(userID), "error", err)
		return false
	}

	now := s.now().UTC()
	rec := models.LocationRecord{
		UserID:             userID,
		UserDisplayName:    displayName,
		CountryName:        loc.CountryName,
		CountryCode:        loc.CountryCode,
		DialCode:           loc.DialCode,
		PhoneNumber:        loc.PhoneNumber,
		CleanPhone:         loc.CleanPhone,
		MobileNumberLength: loc.MobileNumberLength,
		FirstDetectedAt:    loc.DetectedAt,
		LastUpdatedAt:      now,
		DetectionCount:     1,
	}
	if rec.FirstDetectedAt.IsZero() {
		rec.FirstDetectedAt = now
	}
	if existing != nil {
		rec.FirstDetectedAt = existing.FirstDetectedAt
		rec.DetectionCount = existing.DetectionCount + 1
		if rec.UserDisplayName == "" {
			rec.UserDisplayName = existing.UserDisplayName
		}
	}

	if err := s.repo.SaveLocation(ctx, rec); err != nil {
		slog.Error("LocationStore.Upsert: write failed", "user", util.MaskIdentity(userID), "error", err)
		return false
	}
	slog.Info("LocationStore.Upsert: location saved", "user", util.MaskIdentity(userID), "country", rec.CountryCode, "count", rec.DetectionCount)
	return true
}

// Get returns the user's record, or nil when absent or unavailable.
func (s *LocationStore) Get(ctx context.Context, userID string) *models.LocationRecord {
	rec, err := s.repo.GetLocation(ctx, userID)
	if err != nil {
		slog.Warn("LocationStore.Get: read failed", "user", util.MaskIdentity(userID), "error", err)
		return nil
	}
	return rec
}
