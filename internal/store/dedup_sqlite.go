package store

import (
	"context"
	"time"
)

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
		messageID, participantID, time.Now().UTC(),
	)
	if err != nil {
		return false, classify(err, "record inbound", s.isUnavailable)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify(err, "record inbound rows affected", s.isUnavailable)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	return classify(err, "mark processed", s.isUnavailable)
}

func (s *SQLiteStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, classify(err, "prune dedup", s.isUnavailable)
	}
	return result.RowsAffected()
}
