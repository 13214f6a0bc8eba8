// Package store provides storage backends for ReplyPipe.
//
// It persists conversation message records, per-user location records and the
// inbound de-duplication ledger. SQLite, PostgreSQL and MongoDB backends are
// available, plus an in-memory store for tests and DSN-less runs.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// ErrUnavailable is wrapped by every error caused by the backend being unreachable,
// as opposed to a query that simply matched nothing or a rejected write.
var ErrUnavailable = errors.New("store unavailable")

// SortOrder selects the timestamp ordering of FindMessages.
type SortOrder int

const (
	// SortAscending returns the oldest records first.
	SortAscending SortOrder = iota
	// SortDescending returns the newest records first.
	SortDescending
)

// MessageFilter restricts a message query. Zero-valued fields are ignored.
type MessageFilter struct {
	UserID         string
	ConversationID string
	SenderType     models.SenderType
	HasDisplayName bool // only records carrying a user display name
}

// MessageQuery is a filtered, sorted and limited message lookup.
type MessageQuery struct {
	Filter MessageFilter
	Order  SortOrder
	Limit  int // 0 means no limit
}

// MessageRepo is the append-only message log.
type MessageRepo interface {
	InsertMessage(ctx context.Context, rec models.MessageRecord) error
	FindMessages(ctx context.Context, q MessageQuery) ([]models.MessageRecord, error)
	CountMessages(ctx context.Context, f MessageFilter) (int, error)
	DistinctUserIDs(ctx context.Context) ([]string, error)
}

// LocationRepo holds one location record per user.
type LocationRepo interface {
	// GetLocation returns (nil, nil) when the user has no record.
	GetLocation(ctx context.Context, userID string) (*models.LocationRecord, error)
	// SaveLocation inserts or replaces the record keyed by rec.UserID.
	SaveLocation(ctx context.Context, rec models.LocationRecord) error
}

// Store is the full persistence collaborator.
type Store interface {
	MessageRepo
	LocationRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN          string // connection string or SQLite file path
	DatabaseName string // MongoDB database name
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMongoURI sets the MongoDB connection URI.
func WithMongoURI(uri string) Option {
	return func(o *Opts) { o.DSN = uri }
}

// WithDatabaseName sets the MongoDB database name.
func WithDatabaseName(name string) Option {
	return func(o *Opts) { o.DatabaseName = name }
}

// DSN types reported by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeMongo    = "mongodb"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType guesses the backend from a connection string.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return DSNTypePostgres
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return DSNTypeMongo
	default:
		return DSNTypeSQLite
	}
}

// Open builds the backend selected by the DSN. Without a DSN an in-memory store is returned.
func Open(ctx context.Context, opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeMongo:
		return NewMongoStore(ctx, opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
