package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	rateLimitPrefix = "grok2api:ratelimit:"
	rateLimitWindow = time.Minute
)

// ErrKeyNotFound is returned by Get when the key does not exist
var ErrKeyNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL; a zero TTL keeps the key forever
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CheckRateLimit counts a request from clientID against a fixed one-minute window.
// It reports whether the limit is exceeded and how many requests remain.
func (c *Client) CheckRateLimit(ctx context.Context, clientID string, limit int) (bool, int, error) {
	key := rateLimitPrefix + clientID

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit increment: %w", err)
	}
	// The first hit opens the window
	if count == 1 {
		if err := c.client.Expire(ctx, key, rateLimitWindow).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expiry: %w", err)
		}
	}

	if count > int64(limit) {
		return true, 0, nil
	}
	return false, limit - int(count), nil
}
