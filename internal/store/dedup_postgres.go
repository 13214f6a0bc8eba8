package store

import (
	"context"
	"time"
)

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
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

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now().UTC(), messageID,
	)
	return classify(err, "mark processed", s.isUnavailable)
}

func (s *PostgresStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, classify(err, "prune dedup", s.isUnavailable)
	}
	return result.RowsAffected()
}
