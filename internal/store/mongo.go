// This file implements the MongoDB-backed store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by MongoStore.
const (
	DefaultMongoDatabase    = "whatsapp_bot"
	MessagesCollection      = "messages"
	LocationsCollection     = "user_locations"
	DedupCollection         = "inbound_dedup"
	defaultMongoDialTimeout = 10 * time.Second
)

// MongoStore persists records in MongoDB collections.
type MongoStore struct {
	client    *mongo.Client
	messages  *mongo.Collection
	locations *mongo.Collection
	dedup     *mongo.Collection
}

// Compile-time check that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

type mongoDedupDoc struct {
	MessageID     string     `bson:"_id"`
	ParticipantID string     `bson:"participant_id"`
	ReceivedAt    time.Time  `bson:"received_at"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty"`
}

// NewMongoStore connects to MongoDB and ensures the indexes the store relies on.
func NewMongoStore(ctx context.Context, opts ...Option) (*MongoStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("MongoStore.NewMongoStore: creating Mongo store", "URI_set", cfg.DSN != "", "database", cfg.DatabaseName)
	if cfg.DSN == "" {
		slog.Error("MongoStore URI not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	dbName := cfg.DatabaseName
	if dbName == "" {
		dbName = DefaultMongoDatabase
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultMongoDialTimeout)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		slog.Error("MongoDB ping failed", "error", err)
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	slog.Debug("MongoDB ping successful")

	db := client.Database(dbName)
	s := &MongoStore{
		client:    client,
		messages:  db.Collection(MessagesCollection),
		locations: db.Collection(LocationsCollection),
		dedup:     db.Collection(DedupCollection),
	}
	if err := s.ensureIndexes(dialCtx); err != nil {
		slog.Error("MongoStore index creation failed", "error", err)
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := s.locations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// mongoUnavailable reports network failures, timeouts and a disconnected client.
func mongoUnavailable(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) || isConnectionError(err)
}

func mongoFilter(f MessageFilter) bson.M {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.ConversationID != "" {
		filter["conversation_id"] = f.ConversationID
	}
	if f.SenderType != "" {
		filter["sender_type"] = string(f.SenderType)
	}
	if f.HasDisplayName {
		filter["user_name"] = bson.M{"$exists": true, "$ne": ""}
	}
	return filter
}

func (s *MongoStore) InsertMessage(ctx context.Context, m models.MessageRecord) error {
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		slog.Error("MongoStore.InsertMessage failed", "error", err, "user", m.UserID)
		return classify(err, "insert message", mongoUnavailable)
	}
	slog.Debug("MongoStore.InsertMessage succeeded", "user", m.UserID, "sender", m.SenderType)
	return nil
}

func (s *MongoStore) FindMessages(ctx context.Context, q MessageQuery) ([]models.MessageRecord, error) {
	dir := 1
	if q.Order == SortDescending {
		dir = -1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: dir}, {Key: "_id", Value: dir}})
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}
	cur, err := s.messages.Find(ctx, mongoFilter(q.Filter), findOpts)
	if err != nil {
		slog.Error("MongoStore.FindMessages query failed", "error", err)
		return nil, classify(err, "find messages", mongoUnavailable)
	}
	var out []models.MessageRecord
	if err := cur.All(ctx, &out); err != nil {
		slog.Error("MongoStore.FindMessages decode failed", "error", err)
		return nil, classify(err, "decode messages", mongoUnavailable)
	}
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	return out, nil
}

func (s *MongoStore) CountMessages(ctx context.Context, f MessageFilter) (int, error) {
	n, err := s.messages.CountDocuments(ctx, mongoFilter(f))
	if err != nil {
		slog.Error("MongoStore.CountMessages failed", "error", err)
		return 0, classify(err, "count messages", mongoUnavailable)
	}
	return int(n), nil
}

func (s *MongoStore) DistinctUserIDs(ctx context.Context) ([]string, error) {
	values, err := s.messages.Distinct(ctx, "user_id", bson.M{})
	if err != nil {
		slog.Error("MongoStore.DistinctUserIDs failed", "error", err)
		return nil, classify(err, "distinct users", mongoUnavailable)
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MongoStore) GetLocation(ctx context.Context, userID string) (*models.LocationRecord, error) {
	var rec models.LocationRecord
	err := s.locations.FindOne(ctx, bson.M{"user_id": userID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		slog.Error("MongoStore.GetLocation failed", "error", err, "user", userID)
		return nil, classify(err, "get location", mongoUnavailable)
	}
	rec.FirstDetectedAt = rec.FirstDetectedAt.UTC()
	rec.LastUpdatedAt = rec.LastUpdatedAt.UTC()
	return &rec, nil
}

func (s *MongoStore) SaveLocation(ctx context.Context, rec models.LocationRecord) error {
	_, err := s.locations.ReplaceOne(ctx, bson.M{"user_id": rec.UserID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		slog.Error("MongoStore.SaveLocation failed", "error", err, "user", rec.UserID)
		return classify(err, "save location", mongoUnavailable)
	}
	slog.Debug("MongoStore.SaveLocation succeeded", "user", rec.UserID, "count", rec.DetectionCount)
	return nil
}

func (s *MongoStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	_, err := s.dedup.InsertOne(ctx, mongoDedupDoc{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "record inbound", mongoUnavailable)
	}
	return true, nil
}

func (s *MongoStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.dedup.UpdateByID(ctx, messageID, bson.M{"$set": bson.M{"processed_at": time.Now()}})
	return classify(err, "mark processed", mongoUnavailable)
}

func (s *MongoStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.dedup.DeleteMany(ctx, bson.M{"received_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, classify(err, "prune dedup", mongoUnavailable)
	}
	return res.DeletedCount, nil
}

// Close disconnects the MongoDB client.
func (s *MongoStore) Close() error {
	slog.Debug("Closing MongoDB connection")
	ctx, cancel := context.WithTimeout(context.Background(), defaultMongoDialTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
