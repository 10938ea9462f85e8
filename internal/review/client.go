// Package review obtains cached, time-bounded external quality reviews.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/telemetry"
	"github.com/jordanhubbard/converge/pkg/models"
)

// Options configures a Client
type Options struct {
	Timeout       time.Duration // per external call, default 5s
	MaxConcurrent int64         // outstanding external calls across all sessions, default 8
	Metrics       *metrics.Metrics
}

// Client wraps a Reviewer with a cache, a per-call timeout, request
// collapsing per key and a global concurrency cap.
type Client struct {
	reviewer Reviewer
	cache    Backend
	timeout  time.Duration
	sem      *semaphore.Weighted
	group    singleflight.Group
	metrics  *metrics.Metrics
}

// NewClient creates a review client
func NewClient(reviewer Reviewer, cache Backend, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if cache == nil {
		cache = NewMemoryCache(CacheConfig{}, opts.Metrics)
	}
	return &Client{
		reviewer: reviewer,
		cache:    cache,
		timeout:  opts.Timeout,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		metrics:  opts.Metrics,
	}
}

// Key returns the deterministic cache key for (text, candidateID).
func Key(text, candidateID string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]) + ":" + candidateID
}

// Cache exposes the backing cache for statistics
func (c *Client) Cache() Backend {
	return c.cache
}

// Review returns the review for text as produced for candidateID.
// Cached results are returned without an external call. On timeout the error
// wraps models.ErrReviewTimeout; on external failure the wrapped cause is
// returned. No value is ever guessed.
func (c *Client) Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
	if candidateID == "" {
		return models.ReviewResult{}, models.NewValidationError("candidate.id", "must not be empty")
	}
	key := Key(text, candidateID)

	if result, ok := c.cached(ctx, key); ok {
		c.metrics.RecordCacheLookup(true)
		return result, nil
	}
	c.metrics.RecordCacheLookup(false)

	// Concurrent identical requests share one flight. The flight outlives any
	// single caller so a late joiner still gets the result.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished between the lookup above and this one
		// has already cached its result.
		if result, ok := c.cached(flightCtx, key); ok {
			return result, nil
		}
		return c.fetch(flightCtx, key, text, candidateID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.ReviewResult{}, res.Err
		}
		result := res.Val.(models.ReviewResult)
		result.Findings = append([]string(nil), result.Findings...)
		return result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ReviewResult{}, fmt.Errorf("review %s: %w", candidateID, models.ErrReviewTimeout)
		}
		return models.ReviewResult{}, ctx.Err()
	}
}

func (c *Client) cached(ctx context.Context, key string) (models.ReviewResult, bool) {
	entry, ok := c.cache.Get(ctx, key)
	if !ok {
		return models.ReviewResult{}, false
	}
	result := entry.Result
	result.Cached = true
	return result, true
}

type outcome struct {
	result models.ReviewResult
	err    error
}

// fetch performs the external call under the concurrency cap and caches
// successful results. The timeout covers both the wait for a slot and the
// call itself. A result arriving after the timeout is dropped.
func (c *Client) fetch(ctx context.Context, key, text, candidateID string) (models.ReviewResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "review.fetch")
	span.SetAttributes(attribute.String("candidate_id", candidateID))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.sem.Acquire(callCtx, 1); err != nil {
		c.metrics.RecordReview(candidateID, "timeout", time.Since(start))
		span.SetStatus(codes.Error, "no slot")
		log.Printf("[Review] No review slot for %s within %v", candidateID, c.timeout)
		return models.ReviewResult{}, fmt.Errorf("review %s: waiting for slot: %w", candidateID, models.ErrReviewTimeout)
	}
	defer c.sem.Release(1)
	defer c.metrics.ReviewSlotAcquired()()

	done := make(chan outcome, 1)
	go func() {
		r, err := c.reviewer.Review(callCtx, text, candidateID)
		done <- outcome{result: r, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}
	elapsed := time.Since(start)
	telemetry.Meters().RecordReview(ctx, candidateID, elapsed)

	if o.err == nil && callCtx.Err() != nil {
		// Finished in the same instant the deadline fired; treat as late.
		o.err = callCtx.Err()
	}
	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.metrics.RecordReview(candidateID, "timeout", elapsed)
			span.SetStatus(codes.Error, "timeout")
			log.Printf("[Review] Review for %s timed out after %v", candidateID, c.timeout)
			return models.ReviewResult{}, fmt.Errorf("review %s after %v: %w", candidateID, c.timeout, models.ErrReviewTimeout)
		}
		c.metrics.RecordReview(candidateID, "error", elapsed)
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
		return models.ReviewResult{}, fmt.Errorf("review %s failed: %w", candidateID, o.err)
	}

	q := o.result.QualityEstimate
	if q < 0 || q > 100 {
		c.metrics.RecordReview(candidateID, "invalid", elapsed)
		return models.ReviewResult{}, fmt.Errorf("review %s returned quality %.2f outside [0,100]", candidateID, q)
	}

	c.metrics.RecordReview(candidateID, "ok", elapsed)
	result := models.ReviewResult{
		QualityEstimate: q,
		Findings:        append([]string(nil), o.result.Findings...),
	}
	if err := c.cache.Set(ctx, key, result); err != nil {
		log.Printf("[Review] Failed to cache review %s: %v", shortKey(key), err)
	}
	return result, nil
}

// CacheEntry is a statistics view of one cache entry
type CacheEntry struct {
	KeyPrefix string `json:"key"`
	AgeMs     int64  `json:"age_ms"`
}

// CacheEntries summarizes the cache for statistics, oldest first.
func (c *Client) CacheEntries(ctx context.Context) []CacheEntry {
	now := time.Now()
	infos := c.cache.Entries(ctx)
	out := make([]CacheEntry, 0, len(infos))
	for _, e := range infos {
		out = append(out, CacheEntry{
			KeyPrefix: shortKey(e.Key),
			AgeMs:     now.Sub(e.CachedAt).Milliseconds(),
		})
	}
	return out
}

// shortKey truncates a key for logs and statistics
func shortKey(key string) string {
	if len(key) <= 20 {
		return key
	}
	return key[:20] + "..."
}
