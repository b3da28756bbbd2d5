package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrmushfiq/grok-gateway/internal/shared/redis"
)

const redisKeyPrefix = "grok2api:"

// RedisStore keeps pool snapshots in Redis, one key per snapshot kind
type RedisStore struct {
	redis *redis.Client
}

// NewRedis creates a Redis-backed snapshot store
func NewRedis(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) key(name string) string {
	return redisKeyPrefix + name
}

// Load retrieves a stored snapshot
func (s *RedisStore) Load(ctx context.Context, name string) ([]byte, error) {
	val, err := s.redis.Get(ctx, s.key(name))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s from redis: %w", name, err)
	}
	return []byte(val), nil
}

// Save stores a snapshot without expiry
func (s *RedisStore) Save(ctx context.Context, name string, data []byte) error {
	if err := s.redis.Set(ctx, s.key(name), string(data), 0); err != nil {
		return fmt.Errorf("failed to save %s to redis: %w", name, err)
	}
	return nil
}
