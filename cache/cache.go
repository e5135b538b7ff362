// Package cache wraps the Redis connection behind the handful of operations
// the pipeline needs. Redis is the single source of truth for queue
// contents, task records, tracker mappings and engine state; construction
// fails when it is unreachable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storyloom/loom/config"
)

// StateTTL is the TTL applied to per-request engine state.
const StateTTL = 24 * time.Hour

// ErrNil reports a missing key. Callers branch on it with errors.Is.
var ErrNil = errors.New("cache: nil")

// Cache is a thin typed wrapper over a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and pings it. The pipeline treats an unreachable
// cache as a hard startup failure; there is no in-memory fallback.
func New(ctx context.Context, cfg config.Redis) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping %s: %w", cfg.Addr, err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing Redis client. Tests use it with a
// container-backed client.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Client exposes the underlying Redis client for components that need it
// directly (the Pulse relay shares the connection).
func (c *Cache) Client() *redis.Client { return c.rdb }

// Close releases the connection.
func (c *Cache) Close() error { return c.rdb.Close() }

// Ping checks liveness.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the string value at key or ErrNil.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

// SetEx stores value with a TTL.
func (c *Cache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetEx(ctx, key, value, ttl).Err()
}

// Del removes keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// LPush appends to the submission end of a queue list.
func (c *Cache) LPush(ctx context.Context, key string, values ...any) error {
	return c.rdb.LPush(ctx, key, values...).Err()
}

// RPush inserts at the pop end of a queue list. Used for priority requeue.
func (c *Cache) RPush(ctx context.Context, key string, values ...any) error {
	return c.rdb.RPush(ctx, key, values...).Err()
}

// BRPop blocks up to timeout waiting for a value at the pop end. Returns
// ErrNil on timeout.
func (c *Cache) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := c.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("cache: unexpected brpop reply %v", res)
	}
	return res[1], nil
}

// LPop removes from the head of a list, ErrNil when empty.
func (c *Cache) LPop(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

// LLen returns the list length.
func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// SAdd adds members to a set.
func (c *Cache) SAdd(ctx context.Context, key string, members ...any) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (c *Cache) SRem(ctx context.Context, key string, members ...any) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers lists a set.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SCard returns the set cardinality.
func (c *Cache) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// HSet writes hash fields.
func (c *Cache) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

// HGet reads one hash field, ErrNil when absent.
func (c *Cache) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

// HGetAll reads a whole hash.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// ScanKeys collects every key matching pattern. Uses SCAN, never KEYS.
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: scan %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Expire refreshes a key's TTL.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// PushState appends a value to a per-request state list and refreshes its
// TTL. The storylet queue uses this.
func (c *Cache) PushState(ctx context.Context, key, value string) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(ctx, key, StateTTL).Err()
}

// PopState removes the head of a per-request state list, ErrNil when empty.
func (c *Cache) PopState(ctx context.Context, key string) (string, error) {
	return c.LPop(ctx, key)
}
