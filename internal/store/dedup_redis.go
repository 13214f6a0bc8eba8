package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a provider message id is remembered in Redis.
const DefaultDedupTTL = 24 * time.Hour

const (
	redisKeyPrefix = "replypipe:dedup:"
	redisReceived  = "received"
	redisProcessed = "processed"
)

// RedisDedup is a DedupRepo backed by Redis keys with a TTL, letting several
// webhook replicas share one de-duplication ledger.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

// NewRedisDedup connects to the Redis instance at url (redis://...).
func NewRedisDedup(ctx context.Context, url string, ttl time.Duration) (*RedisDedup, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisDedup ping failed", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRedisDedupWithClient(client, ttl), nil
}

// NewRedisDedupWithClient wraps an existing client.
func NewRedisDedupWithClient(client *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{client: client, ttl: ttl}
}

func redisKey(messageID string) string { return redisKeyPrefix + messageID }

func (r *RedisDedup) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKey(messageID), redisReceived+":"+participantID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound: %w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	err := r.client.SetArgs(ctx, redisKey(messageID), redisProcessed, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("mark processed: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}
