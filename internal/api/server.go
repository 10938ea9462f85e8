// Package api exposes the session engine over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/converge/internal/auth"
	"github.com/jordanhubbard/converge/internal/eventbus"
	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/session"
	"github.com/jordanhubbard/converge/pkg/config"
)

const maxBodyBytes = 4 << 20

// Server represents the HTTP API server
type Server struct {
	engine   *session.Engine
	eventBus *eventbus.EventBus
	auth     *auth.Manager
	config   *config.Config
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	checks   []HealthCheck
	started  time.Time
}

// NewServer creates a new API server. authManager is only consulted when
// security.enable_auth is set; eb and m may be nil.
func NewServer(engine *session.Engine, eb *eventbus.EventBus, authManager *auth.Manager, cfg *config.Config, m *metrics.Metrics) *Server {
	return &Server{
		engine:   engine,
		eventBus: eb,
		auth:     authManager,
		config:   cfg,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/submit", s.handleSubmit)
	mux.HandleFunc("/api/v1/outcomes", s.handleOutcome)
	mux.HandleFunc("/api/v1/statistics", s.handleStatistics)

	// Session resources: /api/v1/sessions/{id}[/failures|/abort|/checkpoints]
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSession)

	mux.HandleFunc("/api/v1/events", s.handleGetEvents)
	mux.HandleFunc("/api/v1/events/ws", s.handleEventSocket)

	if s.auth != nil {
		mux.HandleFunc("/api/v1/auth/token", auth.NewHandlers(s.auth).HandleToken)
	}

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware records request metrics and logs failed requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), time.Since(start).Seconds())
		if rec.status >= http.StatusInternalServerError {
			log.Printf("[API] %s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, time.Since(start))
		}
	})
}

// authMiddleware enforces credentials when auth is enabled
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.auth == nil || s.config == nil || !s.config.Security.EnableAuth {
		return next
	}
	return s.auth.Middleware("/health", "/metrics", "/api/v1/auth/token")(next)
}

// routeLabel collapses session ids so metric label cardinality stays bounded.
func routeLabel(path string) string {
	const prefix = "/api/v1/sessions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		return prefix + "{id}" + rest[i:]
	}
	return prefix + "{id}"
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses a bounded JSON request body
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// splitSessionPath returns the session id and sub-resource of
// /api/v1/sessions/{id}[/{sub}].
func splitSessionPath(path string) (id, sub string) {
	rest := strings.Trim(strings.TrimPrefix(path, "/api/v1/sessions/"), "/")
	id, sub, _ = strings.Cut(rest, "/")
	return id, sub
}
