package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/pkg/models"
)

// RedisCache is a Backend shared across converge instances.
// Entries live under prefix+key; a sorted set at prefix+"index" orders them by
// insertion time so the oldest can be evicted.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	config  CacheConfig
	metrics *metrics.Metrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ Backend = (*RedisCache)(nil)

// NewRedisCache connects to the Redis server at url (redis://host:port/db).
func NewRedisCache(ctx context.Context, url, prefix string, cfg CacheConfig, m *metrics.Metrics) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if prefix == "" {
		prefix = "converge:review:"
	}
	log.Printf("[ReviewCache] Connected to redis at %s", opts.Addr)
	return &RedisCache{client: client, prefix: prefix, config: cfg, metrics: m}, nil
}

func (c *RedisCache) indexKey() string { return c.prefix + "index" }

func (c *RedisCache) entryKey(key string) string { return c.prefix + "entry:" + key }

// Get retrieves a cached result
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[ReviewCache] Redis get %s failed: %v", key, err)
		} else {
			// Expired entries may linger in the index.
			c.client.ZRem(ctx, c.indexKey(), key)
		}
		c.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Printf("[ReviewCache] Corrupt entry %s: %v", key, err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &entry, true
}

// Set stores a result and trims the cache to MaxEntries, oldest first
func (c *RedisCache) Set(ctx context.Context, key string, result models.ReviewResult) error {
	now := time.Now()
	result.Cached = false
	entry := Entry{Key: key, Result: result, CachedAt: now}
	if c.config.TTL > 0 {
		entry.ExpiresAt = now.Add(c.config.TTL)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.entryKey(key), data, c.config.TTL)
	pipe.ZAdd(ctx, c.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
	card := pipe.ZCard(ctx, c.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	excess := card.Val() - int64(c.config.MaxEntries)
	if excess <= 0 {
		return nil
	}
	oldest, err := c.client.ZPopMin(ctx, c.indexKey(), excess).Result()
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	keys := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if member, ok := z.Member.(string); ok {
			keys = append(keys, c.entryKey(member))
		}
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to evict cache entries: %w", err)
		}
	}
	c.evictions.Add(int64(len(keys)))
	for range keys {
		c.metrics.RecordCacheEviction()
	}
	return nil
}

// Len returns the number of indexed entries
func (c *RedisCache) Len(ctx context.Context) int {
	n, err := c.client.ZCard(ctx, c.indexKey()).Result()
	if err != nil {
		log.Printf("[ReviewCache] Redis zcard failed: %v", err)
		return 0
	}
	return int(n)
}

// Entries lists cache entries oldest first
func (c *RedisCache) Entries(ctx context.Context) []EntryInfo {
	zs, err := c.client.ZRangeWithScores(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		log.Printf("[ReviewCache] Redis zrange failed: %v", err)
		return nil
	}
	out := make([]EntryInfo, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, EntryInfo{Key: member, CachedAt: time.Unix(0, int64(z.Score))})
	}
	return out
}

// Clear removes every entry under the prefix
func (c *RedisCache) Clear(ctx context.Context) {
	members, err := c.client.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		log.Printf("[ReviewCache] Redis clear failed: %v", err)
		return
	}
	keys := []string{c.indexKey()}
	for _, m := range members {
		keys = append(keys, c.entryKey(m))
	}
	c.client.Del(ctx, keys...)
}

// GetStats returns cache statistics for this process
func (c *RedisCache) GetStats(ctx context.Context) *Stats {
	stats := &Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		TotalEntries: int64(c.Len(ctx)),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// String identifies the backend in logs
func (c *RedisCache) String() string {
	return "redis(" + strings.TrimSuffix(c.prefix, ":") + ")"
}
