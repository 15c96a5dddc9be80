// Package cache is the best-effort Redis layer over hot read paths.
// Failures are logged and swallowed; readers always fall back to the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs per key family.
const (
	TTLReviews       = 30 * time.Minute
	TTLBranchStats   = time.Hour
	TTLGeneralStats  = 30 * time.Minute
	TTLRecentReviews = 15 * time.Minute
	TTLBranchesList  = 2 * time.Hour
)

// Cache wraps a Redis client. A nil client means caching is disabled:
// every Get misses and every Set is a no-op.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis. An empty URL returns a disabled cache.
func New(ctx context.Context, redisURL string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if redisURL == "" {
		logger.Warn("cache disabled: no broker configured")
		return &Cache{logger: logger}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client (tests, shared connections).
func NewWithClient(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Enabled reports whether a broker is wired at all.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Available probes broker liveness for health output.
func (c *Cache) Available(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	return c.client.Ping(ctx).Err() == nil
}

// Key builders for the fixed keyspace.

func ReviewsKey(branchID string, limit, offset int) string {
	return fmt.Sprintf("reviews:%s:%d:%d", branchID, limit, offset)
}

func BranchStatsKey(branchID string) string {
	return fmt.Sprintf("branch_stats:%s", branchID)
}

const (
	GeneralStatsKey = "general_stats"
	BranchesListKey = "branches_list"
)

func RecentReviewsKey(days int) string {
	return fmt.Sprintf("recent_reviews:%d", days)
}

// Get loads a cached JSON value into out. Returns false on miss, on a
// disabled cache, and on any broker failure.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.client.Del(ctx, key)
		return false
	}
	return true
}

// Set stores a JSON value best-effort.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// DeletePattern removes all keys matching a glob pattern via SCAN.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	if c.client == nil {
		return 0
	}
	deleted := 0
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("cache delete failed", "key", iter.Val(), "error", err)
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
	}
	return deleted
}

// InvalidateBranch drops every key an insert or update for the branch can
// have made stale.
func (c *Cache) InvalidateBranch(ctx context.Context, branchID string) {
	if c.client == nil {
		return
	}
	c.DeletePattern(ctx, fmt.Sprintf("reviews:%s:*", branchID))
	c.DeletePattern(ctx, "recent_reviews:*")
	if err := c.client.Del(ctx, BranchStatsKey(branchID), GeneralStatsKey, BranchesListKey).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "branch_id", branchID, "error", err)
	}
}

// InvalidateAll clears every key family.
func (c *Cache) InvalidateAll(ctx context.Context) int {
	if c.client == nil {
		return 0
	}
	total := 0
	for _, pattern := range []string{"reviews:*", "branch_stats:*", "recent_reviews:*"} {
		total += c.DeletePattern(ctx, pattern)
	}
	for _, key := range []string{GeneralStatsKey, BranchesListKey} {
		n, err := c.client.Del(ctx, key).Result()
		if err != nil {
			c.logger.Warn("cache invalidate failed", "key", key, "error", err)
			continue
		}
		total += int(n)
	}
	return total
}

// Stats describes the broker for the operator endpoint.
type Stats struct {
	Enabled   bool  `json:"enabled"`
	Available bool  `json:"available"`
	Keys      int64 `json:"keys"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{Enabled: c.client != nil}
	if c.client == nil {
		return s
	}
	s.Available = c.Available(ctx)
	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		s.Keys = n
	}
	return s
}
