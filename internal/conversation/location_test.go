package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usLocale(at time.Time) *models.LocaleRecord {
	return &models.LocaleRecord{
		CountryName: "United States",
		CountryCode: "US",
		DialCode:    "1",
		PhoneNumber: "15551234567",
		CleanPhone:  "15551234567",
		DetectedAt:  at,
	}
}

func TestLocationUpsertMonotonicity(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	s := NewLocationStore(store.NewInMemoryStore(), clock.Now)

	var firstAt, lastAt time.Time
	const k = 5
	for i := 0; i < k; i++ {
		at := clock.Now()
		if i == 0 {
			firstAt = at
		}
		require.True(t, s.Upsert(ctx, "15551234567", usLocale(at), "Ada"))
		lastAt = clock.t
	}

	rec := s.Get(ctx, "15551234567")
	require.NotNil(t, rec)
	assert.Equal(t, k, rec.DetectionCount)
	assert.Equal(t, firstAt, rec.FirstDetectedAt)
	assert.Equal(t, lastAt, rec.LastUpdatedAt)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "Ada", rec.UserDisplayName)
}

func TestLocationUpsertKeepsKnownDisplayName(t *testing.T) {
	ctx := context.Background()
	s := NewLocationStore(store.NewInMemoryStore(), nil)
	now := time.Now()
	require.True(t, s.Upsert(ctx, "15551234567", usLocale(now), "Ada"))
	require.True(t, s.Upsert(ctx, "15551234567", usLocale(now), ""))
	assert.Equal(t, "Ada", s.Get(ctx, "15551234567").UserDisplayName)
}

func TestLocationStoreOutage(t *testing.T) {
	ctx := context.Background()
	s := NewLocationStore(nil, nil)
	assert.False(t, s.Upsert(ctx, "15551234567", usLocale(time.Now()), ""))
	assert.Nil(t, s.Get(ctx, "15551234567"))
}

func TestLocationGetAbsent(t *testing.T) {
	s := NewLocationStore(store.NewInMemoryStore(), nil)
	assert.Nil(t, s.Get(context.Background(), "15551234567"))
	assert.False(t, s.Upsert(context.Background(), "15551234567", nil, ""))
}
