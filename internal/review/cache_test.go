package review

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/converge/pkg/models"
)

func TestMemoryCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 2}, nil)

	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{QualityEstimate: 1}))
	require.NoError(t, c.Set(ctx, "b", models.ReviewResult{QualityEstimate: 2}))
	require.NoError(t, c.Set(ctx, "c", models.ReviewResult{QualityEstimate: 3}))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)

	assert.Equal(t, 2, c.Len(ctx))
	assert.Equal(t, int64(1), c.GetStats(ctx).Evictions)
}

func TestMemoryCache_OverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 2}, nil)

	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{QualityEstimate: 1}))
	require.NoError(t, c.Set(ctx, "b", models.ReviewResult{QualityEstimate: 2}))
	require.NoError(t, c.Set(ctx, "b", models.ReviewResult{QualityEstimate: 5}))

	assert.Equal(t, 2, c.Len(ctx))
	e, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 5.0, e.Result.QualityEstimate)
}

func TestMemoryCache_NeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 10}, nil)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), models.ReviewResult{QualityEstimate: float64(i)}))
		assert.LessOrEqual(t, c.Len(ctx), 10)
	}
	entries := c.Entries(ctx)
	require.Len(t, entries, 10)
	assert.Equal(t, "k40", entries[0].Key)
	assert.Equal(t, "k49", entries[9].Key)
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 10, TTL: 10 * time.Millisecond}, nil)
	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{QualityEstimate: 1}))
	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 10}, nil)
	findings := []string{"one"}
	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{QualityEstimate: 1, Findings: findings}))
	findings[0] = "mutated"

	e, ok := c.Get(ctx, "a")
	require.True(t, ok)
	e.Result.Findings[0] = "also mutated"

	again, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []string{"one"}, again.Result.Findings)
}

func TestMemoryCache_Stats(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(CacheConfig{MaxEntries: 10}, nil)
	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{}))
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	stats := c.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	c.Clear(ctx)
	assert.Equal(t, 0, c.Len(ctx))
}

func redisURL() string {
	if u := os.Getenv("CONVERGE_TEST_REDIS_URL"); u != "" {
		return u
	}
	return "redis://localhost:6379/15"
}

func TestRedisCache_EvictsOldest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("converge:test:%d:", time.Now().UnixNano())
	c, err := NewRedisCache(ctx, redisURL(), prefix, CacheConfig{MaxEntries: 2}, nil)
	if err != nil {
		t.Skipf("Skipping Redis test (server not available): %v", err)
	}
	defer c.Close()
	defer c.Clear(context.Background())

	require.NoError(t, c.Set(ctx, "a", models.ReviewResult{QualityEstimate: 10}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", models.ReviewResult{QualityEstimate: 20, Findings: []string{"x"}}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "c", models.ReviewResult{QualityEstimate: 30}))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	e, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 20.0, e.Result.QualityEstimate)
	assert.Equal(t, []string{"x"}, e.Result.Findings)

	assert.Equal(t, 2, c.Len(ctx))
	entries := c.Entries(ctx)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Key)
	assert.Equal(t, int64(1), c.GetStats(ctx).Evictions)
}
