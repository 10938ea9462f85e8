package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Shared(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	assert.Same(t, a, b, "metrics must register exactly once")
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReview("x", "ok", time.Second)
		m.RecordCacheLookup(true)
		m.RecordCacheEviction()
		m.ReviewSlotAcquired()()
		m.RecordScoring(time.Millisecond, []string{"LOW"})
		m.RecordHeuristicFallback("timeout")
		m.RecordCheckpoint("AUTO")
		m.RecordPruned(3)
		m.RecordRecovery("TRANSIENT", "IMMEDIATE", "RECOVERED")
		m.RecordSessionTransition("ACTIVE", "CONVERGED")
		m.SetSessionsActive(2)
		m.RecordEvent("checkpoint-created")
		m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	})
}

func TestRecordRecovery_Counts(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.RecoveryOutcomes.WithLabelValues("STRUCTURAL", "DECOMPOSE", "RECOVERED"))
	m.RecordRecovery("STRUCTURAL", "DECOMPOSE", "RECOVERED")
	after := testutil.ToFloat64(m.RecoveryOutcomes.WithLabelValues("STRUCTURAL", "DECOMPOSE", "RECOVERED"))
	assert.Equal(t, before+1, after)
}

func TestReviewSlotAcquired_Balances(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.ReviewInFlight)
	release := m.ReviewSlotAcquired()
	assert.Equal(t, before+1, testutil.ToFloat64(m.ReviewInFlight))
	release()
	assert.Equal(t, before, testutil.ToFloat64(m.ReviewInFlight))
}
