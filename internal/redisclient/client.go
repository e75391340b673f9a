package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ReserveSubmission is the duplicate-guard fast path: SetNX on the exact
// submission tuple with the window as TTL. Returns false when a matching
// reservation already exists.
func (c *Client) ReserveSubmission(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "dupguard:"+key, "1", ttl).Result()
}

// SubmissionTTL returns the remaining wait for an existing reservation.
func (c *Client) SubmissionTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, "dupguard:"+key).Result()
}

// ReleaseSubmission drops a reservation early, e.g. when order creation
// failed after the reservation was taken.
func (c *Client) ReleaseSubmission(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "dupguard:"+key).Err()
}

// MarkEventSeen caches a processed webhook event id. Best-effort fast
// path in front of the webhook_events table.
func (c *Client) MarkEventSeen(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("webhook:%s:%s", provider, eventID), "1", ttl).Err()
}

// IsEventSeen checks the processed-event cache.
func (c *Client) IsEventSeen(ctx context.Context, provider, eventID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("webhook:%s:%s", provider, eventID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
