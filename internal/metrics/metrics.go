package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for converge
type Metrics struct {
	// Review metrics
	ReviewRequests *prometheus.CounterVec
	ReviewLatency  *prometheus.HistogramVec
	ReviewInFlight prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// Scoring metrics
	ScoringDuration   prometheus.Histogram
	CandidatesScored  *prometheus.CounterVec
	HeuristicFallback *prometheus.CounterVec

	// Checkpoint metrics
	CheckpointsCreated *prometheus.CounterVec
	CheckpointsPruned  prometheus.Counter

	// Recovery and session metrics
	RecoveryOutcomes   *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	SessionsActive     prometheus.Gauge

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ReviewRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_review_requests_total",
					Help: "External review calls by candidate and result",
				},
				[]string{"candidate_id", "result"},
			),
			ReviewLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "converge_review_latency_seconds",
					Help:    "External review call latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
				[]string{"candidate_id"},
			),
			ReviewInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "converge_review_in_flight",
				Help: "External review calls currently holding a concurrency slot",
			}),
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "converge_review_cache_hits_total",
				Help: "Review cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "converge_review_cache_misses_total",
				Help: "Review cache misses",
			}),
			CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "converge_review_cache_evictions_total",
				Help: "Review cache entries evicted to stay within capacity",
			}),

			ScoringDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "converge_scoring_duration_seconds",
				Help:    "Time to score a full candidate set",
				Buckets: prometheus.DefBuckets,
			}),
			CandidatesScored: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_candidates_scored_total",
					Help: "Candidates scored by confidence level",
				},
				[]string{"confidence"},
			),
			HeuristicFallback: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_heuristic_fallback_total",
					Help: "Scores that used the heuristic quality estimate, by reason",
				},
				[]string{"reason"},
			),

			CheckpointsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_checkpoints_created_total",
					Help: "Checkpoints created by type",
				},
				[]string{"type"},
			),
			CheckpointsPruned: promauto.NewCounter(prometheus.CounterOpts{
				Name: "converge_checkpoints_pruned_total",
				Help: "Checkpoints removed by retention",
			}),

			RecoveryOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_recovery_outcomes_total",
					Help: "Recovery attempts by failure kind, strategy and outcome",
				},
				[]string{"kind", "strategy", "outcome"},
			),
			SessionTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_session_transitions_total",
					Help: "Session status transitions",
				},
				[]string{"from", "to"},
			),
			SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "converge_sessions_active",
				Help: "Sessions not yet in a terminal state",
			}),

			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_events_published_total",
					Help: "Lifecycle events published by type",
				},
				[]string{"type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "converge_http_requests_total",
					Help: "Total HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "converge_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordReview records an external review call
func (m *Metrics) RecordReview(candidateID, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ReviewRequests.WithLabelValues(candidateID, result).Inc()
	m.ReviewLatency.WithLabelValues(candidateID).Observe(latency.Seconds())
}

// RecordCacheLookup records a review cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordCacheEviction records an evicted review cache entry
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}

// ReviewSlotAcquired tracks concurrency slot usage; call the returned func on release.
func (m *Metrics) ReviewSlotAcquired() func() {
	if m == nil {
		return func() {}
	}
	m.ReviewInFlight.Inc()
	return m.ReviewInFlight.Dec
}

// RecordScoring records one scoring pass
func (m *Metrics) RecordScoring(duration time.Duration, confidences []string) {
	if m == nil {
		return
	}
	m.ScoringDuration.Observe(duration.Seconds())
	for _, c := range confidences {
		m.CandidatesScored.WithLabelValues(c).Inc()
	}
}

// RecordHeuristicFallback records a score computed without a review
func (m *Metrics) RecordHeuristicFallback(reason string) {
	if m == nil {
		return
	}
	m.HeuristicFallback.WithLabelValues(reason).Inc()
}

// RecordCheckpoint records a created checkpoint
func (m *Metrics) RecordCheckpoint(checkpointType string) {
	if m == nil {
		return
	}
	m.CheckpointsCreated.WithLabelValues(checkpointType).Inc()
}

// RecordPruned records checkpoints removed by retention
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CheckpointsPruned.Add(float64(n))
}

// RecordRecovery records a recovery attempt
func (m *Metrics) RecordRecovery(kind, strategy, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryOutcomes.WithLabelValues(kind, strategy, outcome).Inc()
}

// RecordSessionTransition records a session status transition
func (m *Metrics) RecordSessionTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// SetSessionsActive sets the active session gauge
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordEvent records a published lifecycle event
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
