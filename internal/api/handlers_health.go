package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp    time.Time              `json:"timestamp"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	Uptime       int64                  `json:"uptime_seconds"`
	Dependencies map[string]DepHealth   `json:"dependencies"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// HealthCheck probes one dependency. Critical checks make the service
// unhealthy when they fail; the others only degrade it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

var instanceID = getInstanceID()

// AddHealthCheck registers a dependency probe for GET /health.
func (s *Server) AddHealthCheck(c HealthCheck) {
	s.checks = append(s.checks, c)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := make(map[string]DepHealth, len(s.checks))
	overall := "healthy"
	for _, c := range s.checks {
		start := time.Now()
		err := c.Check(ctx)
		h := DepHealth{Status: "healthy", Message: "operational", Latency: time.Since(start).Milliseconds()}
		if err != nil {
			h.Status, h.Message = "unhealthy", err.Error()
			if c.Critical {
				overall = "unhealthy"
			} else if overall == "healthy" {
				overall = "degraded"
			}
		}
		deps[c.Name] = h
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics := map[string]interface{}{
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": mem.Alloc,
		"gc_runs":      mem.NumGC,
	}
	if s.engine != nil {
		st := s.engine.Statistics(ctx)
		metrics["sessions_active"] = st.SessionsActive
		metrics["sessions_total"] = st.SessionsTotal
		metrics["review_cache_size"] = st.CacheSize
	}
	if s.eventBus != nil {
		metrics["event_subscribers"] = s.eventBus.SubscriberCount()
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, HealthStatus{
		Status:       overall,
		Timestamp:    time.Now(),
		InstanceID:   instanceID,
		Uptime:       int64(time.Since(s.started).Seconds()),
		Dependencies: deps,
		Metrics:      metrics,
	})
}

func getInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname
}
