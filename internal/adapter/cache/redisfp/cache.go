// Package redisfp caches segment results in Redis keyed by fingerprint.
// Recovery and retries consult it before calling providers again.
package redisfp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recaplab/recap-engine/internal/domain"
)

const keyPrefix = "recap:seg:"

// Cache is a Redis-backed SegmentCache. Entries expire after TTL so the
// cache never needs explicit invalidation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New parses the Redis URL and returns a Cache with the given entry TTL.
func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=cache.new: %w", err)
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(c *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: c, ttl: ttl}
}

// Get returns the cached result for the fingerprint, if present.
func (c *Cache) Get(ctx domain.Context, fingerprint string) (domain.SegmentResult, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SegmentResult{}, false, nil
	}
	if err != nil {
		return domain.SegmentResult{}, false, fmt.Errorf("op=cache.get: %w", err)
	}
	var res domain.SegmentResult
	if err := json.Unmarshal(raw, &res); err != nil {
		// Corrupt entry, treat as a miss.
		return domain.SegmentResult{}, false, nil
	}
	return res, true, nil
}

// Put stores the result under the fingerprint.
func (c *Cache) Put(ctx domain.Context, fingerprint string, res domain.SegmentResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+fingerprint, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by readiness checks.
func (c *Cache) Ping(ctx domain.Context) error {
	return c.client.Ping(ctx).Err()
}
