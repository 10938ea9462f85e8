package review

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/pkg/models"
)

// Entry is a cached review result
type Entry struct {
	Key       string              `json:"key"`
	Result    models.ReviewResult `json:"result"`
	CachedAt  time.Time           `json:"cached_at"`
	ExpiresAt time.Time           `json:"expires_at,omitempty"` // zero = never
	Hits      int64               `json:"hits"`

	seq uint64
}

// Stats tracks cache performance
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// EntryInfo summarizes one cache entry for statistics
type EntryInfo struct {
	Key      string    `json:"key"`
	CachedAt time.Time `json:"cached_at"`
}

// Backend is the storage behind the review client
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, result models.ReviewResult) error
	Len(ctx context.Context) int
	Entries(ctx context.Context) []EntryInfo
	Clear(ctx context.Context)
	GetStats(ctx context.Context) *Stats
}

// CacheConfig bounds a cache backend
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration // 0 = no expiry
}

// MemoryCache is a bounded in-process Backend with oldest-entry eviction.
type MemoryCache struct {
	config  CacheConfig
	entries map[string]*Entry
	seq     uint64
	mu      sync.RWMutex
	stats   Stats
	metrics *metrics.Metrics
}

var _ Backend = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory cache. m may be nil.
func NewMemoryCache(cfg CacheConfig, m *metrics.Metrics) *MemoryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &MemoryCache{
		config:  cfg,
		entries: make(map[string]*Entry),
		metrics: m,
	}
}

// Get retrieves a cached result if present and not expired
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if exists && !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		exists = false
	}
	if !exists {
		c.stats.Misses++
		return nil, false
	}

	entry.Hits++
	c.stats.Hits++
	out := *entry
	out.Result.Findings = append([]string(nil), entry.Result.Findings...)
	return &out, true
}

// Set stores a result, evicting the oldest entry when at capacity
func (c *MemoryCache) Set(ctx context.Context, key string, result models.ReviewResult) error {
	now := time.Now()
	result.Cached = false
	result.Findings = append([]string(nil), result.Findings...)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &Entry{
		Key:      key,
		Result:   result,
		CachedAt: now,
		seq:      c.seq,
	}
	if c.config.TTL > 0 {
		entry.ExpiresAt = now.Add(c.config.TTL)
	}

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.config.MaxEntries {
			c.evictOldest()
		}
	}
	c.entries[key] = entry
	return nil
}

// Len returns the number of cached entries
func (c *MemoryCache) Len(ctx context.Context) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries lists cache entries oldest first
func (c *MemoryCache) Entries(ctx context.Context) []EntryInfo {
	c.mu.RLock()
	all := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]EntryInfo, 0, len(all))
	for _, e := range all {
		out = append(out, EntryInfo{Key: e.Key, CachedAt: e.CachedAt})
	}
	return out
}

// Clear removes all entries
func (c *MemoryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// GetStats returns current cache statistics
func (c *MemoryCache) GetStats(ctx context.Context) *Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.TotalEntries = int64(len(c.entries))
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return &stats
}

// evictOldest removes the entry inserted first. Caller holds mu.
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestSeq uint64
	first := true

	for key, entry := range c.entries {
		if first || entry.seq < oldestSeq {
			oldestKey = key
			oldestSeq = entry.seq
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
		c.metrics.RecordCacheEviction()
	}
}
