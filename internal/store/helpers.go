package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilInt dereferences an optional integer for a nullable column.
func nilIfNilInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// isConnectionError reports driver-independent signs of an unreachable backend.
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// classify wraps err with ErrUnavailable when isUnavailable says the backend is unreachable.
func classify(err error, op string, isUnavailable func(error) bool) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// messageWhere renders a MessageFilter as a WHERE clause using the given
// placeholder style (? for SQLite, $n for PostgreSQL).
func messageWhere(f MessageFilter, placeholder func(n int) string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}
	if f.UserID != "" {
		add("user_id = %s", f.UserID)
	}
	if f.ConversationID != "" {
		add("conversation_id = %s", f.ConversationID)
	}
	if f.SenderType != "" {
		add("sender_type = %s", string(f.SenderType))
	}
	if f.HasDisplayName {
		conds = append(conds, "user_name IS NOT NULL AND user_name <> ''")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// messageSelect builds the full SELECT for a MessageQuery.
func messageSelect(q MessageQuery, placeholder func(n int) string) (string, []interface{}) {
	where, args := messageWhere(q.Filter, placeholder)
	dir := "ASC"
	if q.Order == SortDescending {
		dir = "DESC"
	}
	query := `SELECT id, user_id, conversation_id, sender_type, message_type, body, ts, user_name, phone_number FROM messages` +
		where + fmt.Sprintf(" ORDER BY ts %s, id %s", dir, dir)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, args
}

// scanMessage scans a MessageRecord from sql.Rows.
func scanMessage(rows *sql.Rows) (models.MessageRecord, error) {
	var m models.MessageRecord
	var sender, msgType string
	var ts int64
	var userName, phone sql.NullString
	if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &sender, &msgType, &m.Body, &ts, &userName, &phone); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.SenderType = models.SenderType(sender)
	m.MessageType = models.MessageType(msgType)
	m.Timestamp = time.Unix(0, ts).UTC()
	m.UserDisplayName = userName.String
	m.PhoneNumber = phone.String
	return m, nil
}

// scanLocationRow scans a LocationRecord from a single sql.Row.
func scanLocationRow(row *sql.Row) (models.LocationRecord, error) {
	var l models.LocationRecord
	var userName sql.NullString
	var mobileLen sql.NullInt64
	var first, last int64
	err := row.Scan(&l.UserID, &userName, &l.CountryName, &l.CountryCode, &l.DialCode,
		&l.PhoneNumber, &l.CleanPhone, &mobileLen, &first, &last, &l.DetectionCount)
	if err != nil {
		return l, err
	}
	l.UserDisplayName = userName.String
	if mobileLen.Valid {
		n := int(mobileLen.Int64)
		l.MobileNumberLength = &n
	}
	l.FirstDetectedAt = time.Unix(0, first).UTC()
	l.LastUpdatedAt = time.Unix(0, last).UTC()
	return l, nil
}

const locationColumns = `user_id, user_name, country_name, country_code, dial_code, phone_number, clean_phone, mobile_number_length, first_detected, last_updated, detection_count`

func locationArgs(l models.LocationRecord) []interface{} {
	return []interface{}{
		l.UserID, nilIfEmpty(l.UserDisplayName), l.CountryName, l.CountryCode, l.DialCode,
		l.PhoneNumber, l.CleanPhone, nilIfNilInt(l.MobileNumberLength),
		l.FirstDetectedAt.UnixNano(), l.LastUpdatedAt.UnixNano(), l.DetectionCount,
	}
}

func messageArgs(m models.MessageRecord) []interface{} {
	return []interface{}{
		m.ID, m.UserID, m.ConversationID, string(m.SenderType), string(m.MessageType), m.Body,
		m.Timestamp.UnixNano(), nilIfEmpty(m.UserDisplayName), nilIfEmpty(m.PhoneNumber),
	}
}
