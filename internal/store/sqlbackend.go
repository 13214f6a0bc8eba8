package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// sqlBackend implements MessageRepo and LocationRepo over database/sql.
// SQLiteStore and PostgresStore embed it with their dialect specifics.
type sqlBackend struct {
	db             *sql.DB
	name           string
	placeholder    func(n int) string
	isUnavailable  func(error) bool
	upsertLocation string
}

func (b *sqlBackend) InsertMessage(ctx context.Context, m models.MessageRecord) error {
	query := fmt.Sprintf(`INSERT INTO messages (id, user_id, conversation_id, sender_type, message_type, body, ts, user_name, phone_number)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.placeholder(1), b.placeholder(2), b.placeholder(3), b.placeholder(4), b.placeholder(5),
		b.placeholder(6), b.placeholder(7), b.placeholder(8), b.placeholder(9))
	if _, err := b.db.ExecContext(ctx, query, messageArgs(m)...); err != nil {
		slog.Error(b.name+".InsertMessage failed", "error", err, "user", m.UserID)
		return classify(err, "insert message", b.isUnavailable)
	}
	slog.Debug(b.name+".InsertMessage succeeded", "user", m.UserID, "sender", m.SenderType)
	return nil
}

func (b *sqlBackend) FindMessages(ctx context.Context, q MessageQuery) ([]models.MessageRecord, error) {
	query, args := messageSelect(q, b.placeholder)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error(b.name+".FindMessages query failed", "error", err)
		return nil, classify(err, "find messages", b.isUnavailable)
	}
	defer rows.Close()

	var out []models.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error(b.name+".FindMessages scan failed", "error", err)
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error(b.name+".FindMessages rows iteration failed", "error", err)
		return nil, classify(err, "iterate messages", b.isUnavailable)
	}
	slog.Debug(b.name+".FindMessages succeeded", "count", len(out))
	return out, nil
}

func (b *sqlBackend) CountMessages(ctx context.Context, f MessageFilter) (int, error) {
	where, args := messageWhere(f, b.placeholder)
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&n); err != nil {
		slog.Error(b.name+".CountMessages failed", "error", err)
		return 0, classify(err, "count messages", b.isUnavailable)
	}
	return n, nil
}

func (b *sqlBackend) DistinctUserIDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM messages`)
	if err != nil {
		slog.Error(b.name+".DistinctUserIDs query failed", "error", err)
		return nil, classify(err, "distinct users", b.isUnavailable)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate users", b.isUnavailable)
	}
	return ids, nil
}

func (b *sqlBackend) GetLocation(ctx context.Context, userID string) (*models.LocationRecord, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM user_locations WHERE user_id = `+b.placeholder(1), userID)
	rec, err := scanLocationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug(b.name+".GetLocation not found", "user", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+".GetLocation failed", "error", err, "user", userID)
		return nil, classify(err, "get location", b.isUnavailable)
	}
	return &rec, nil
}

func (b *sqlBackend) SaveLocation(ctx context.Context, rec models.LocationRecord) error {
	if _, err := b.db.ExecContext(ctx, b.upsertLocation, locationArgs(rec)...); err != nil {
		slog.Error(b.name+".SaveLocation failed", "error", err, "user", rec.UserID)
		return classify(err, "save location", b.isUnavailable)
	}
	slog.Debug(b.name+".SaveLocation succeeded", "user", rec.UserID, "count", rec.DetectionCount)
	return nil
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug("Closing " + b.name + " database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error("Failed to close "+b.name+" database", "error", err)
	}
	return err
}
