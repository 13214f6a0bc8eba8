// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Providers redeliver webhooks that were not acknowledged in time; the
// provider message id identifies a redelivery.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, participantID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// DedupPruner is implemented by ledgers that do not expire records on their own.
type DedupPruner interface {
	// PruneDedup deletes records received before the cutoff and reports how many.
	PruneDedup(ctx context.Context, before time.Time) (int64, error)
}

var (
	_ DedupPruner = (*InMemoryStore)(nil)
	_ DedupPruner = (*SQLiteStore)(nil)
	_ DedupPruner = (*PostgresStore)(nil)
	_ DedupPruner = (*MongoStore)(nil)
	_ DedupPruner = Unavailable{}
)
