package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jordanhubbard/converge/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the converge service.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Review      ReviewConfig      `yaml:"review" json:"review"`
	Scoring     ScoringConfig     `yaml:"scoring" json:"scoring"`
	Checkpoints CheckpointConfig  `yaml:"checkpoints" json:"checkpoints"`
	Recovery    RecoveryConfig    `yaml:"recovery" json:"recovery"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	Messaging   MessagingConfig   `yaml:"messaging" json:"messaging"`
	Temporal    TemporalConfig    `yaml:"temporal" json:"temporal"`
	Security    SecurityConfig    `yaml:"security" json:"-"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	HotReload   HotReloadConfig   `yaml:"hot_reload" json:"hot_reload"`
	Profiles    []StrengthProfile `yaml:"profiles" json:"profiles,omitempty"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" json:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DatabaseConfig selects the checkpoint storage backend
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"` // "memory", "sqlite", "postgres"
	Path string `yaml:"path" json:"path"` // For SQLite
	DSN  string `yaml:"dsn" json:"-"`     // For Postgres
}

// ReviewConfig configures the external review client
type ReviewConfig struct {
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	APIKey        string        `yaml:"api_key" json:"-"`
	Model         string        `yaml:"model" json:"model"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	Cache         CacheConfig   `yaml:"cache" json:"cache"`
}

// CacheConfig configures the review cache
type CacheConfig struct {
	Backend    string        `yaml:"backend" json:"backend"` // "memory" or "redis"
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"` // 0 = no expiry
	RedisURL   string        `yaml:"redis_url" json:"redis_url,omitempty"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix,omitempty"`
}

// ScoringConfig configures the convergence scorer
type ScoringConfig struct {
	Weights             models.Weights `yaml:"weights" json:"weights"`
	MaxLatencyReference float64        `yaml:"max_latency_reference" json:"max_latency_reference"`
	MaxCostReference    float64        `yaml:"max_cost_reference" json:"max_cost_reference"`
	// HighConfidenceMinContinuity is the number of continuity tags a reviewed
	// candidate needs for HIGH confidence.
	HighConfidenceMinContinuity int `yaml:"high_confidence_min_continuity" json:"high_confidence_min_continuity"`
}

// StrengthProfile describes a known candidate's heuristic baseline
type StrengthProfile struct {
	CandidateID string   `yaml:"candidate_id" json:"candidate_id"`
	BaseQuality float64  `yaml:"base_quality" json:"base_quality"`
	Strengths   []string `yaml:"strengths" json:"strengths,omitempty"`
	Description string   `yaml:"description" json:"description,omitempty"`
}

// CheckpointConfig configures checkpoint retention
type CheckpointConfig struct {
	MaxCheckpoints int           `yaml:"max_checkpoints" json:"max_checkpoints"`
	MaxAge         time.Duration `yaml:"max_age" json:"max_age"`
	AutoPrune      bool          `yaml:"auto_prune" json:"auto_prune"`
}

// RecoveryConfig configures the recovery strategist
type RecoveryConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	MaxSubTasks int `yaml:"max_sub_tasks" json:"max_sub_tasks"`
}

// SessionConfig configures the session engine
type SessionConfig struct {
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	ConsecutiveRequired  int     `yaml:"consecutive_required" json:"consecutive_required"`
	DivergenceThreshold  float64 `yaml:"divergence_threshold" json:"divergence_threshold"`
	HistoryLimit         int     `yaml:"history_limit" json:"history_limit"`
}

// MessagingConfig configures NATS event fan-out
type MessagingConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	NATSURL    string        `yaml:"nats_url" json:"nats_url"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// TemporalConfig configures the Temporal session ledger
type TemporalConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Host      string `yaml:"host" json:"host"`
	Namespace string `yaml:"namespace" json:"namespace"`
	TaskQueue string `yaml:"task_queue" json:"task_queue"`
}

// SecurityConfig configures API authentication
type SecurityConfig struct {
	EnableAuth   bool     `yaml:"enable_auth"`
	JWTSecret    string   `yaml:"jwt_secret"`
	APIKeyHashes []string `yaml:"api_key_hashes"` // bcrypt hashes
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// HotReloadConfig enables reloading scoring weights when the file changes
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Missing fields keep their defaults and the result is validated.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${REVIEW_API_KEY}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "memory",
			Path: "./converge.db",
		},
		Review: ReviewConfig{
			Model:         "reviewer",
			Timeout:       5 * time.Second,
			MaxConcurrent: 8,
			Cache: CacheConfig{
				Backend:    "memory",
				MaxEntries: 1000,
				KeyPrefix:  "converge:review:",
			},
		},
		Scoring: ScoringConfig{
			Weights:                     models.DefaultWeights(),
			MaxLatencyReference:         5000,
			MaxCostReference:            20,
			HighConfidenceMinContinuity: 2,
		},
		Checkpoints: CheckpointConfig{
			MaxCheckpoints: 20,
			MaxAge:         24 * time.Hour,
			AutoPrune:      true,
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 3,
			MaxSubTasks: 5,
		},
		Session: SessionConfig{
			ConvergenceThreshold: 0.8,
			ConsecutiveRequired:  2,
			DivergenceThreshold:  0.9,
			HistoryLimit:         200,
		},
		Messaging: MessagingConfig{
			NATSURL:    "nats://localhost:4222",
			StreamName: "CONVERGE",
			Timeout:    10 * time.Second,
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "converge-default",
			TaskQueue: "converge-ledger",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "otel-collector:4317",
			ServiceName:  "converge",
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}
	if c.Scoring.MaxLatencyReference <= 0 {
		return models.NewValidationError("scoring.max_latency_reference", "must be positive")
	}
	if c.Scoring.MaxCostReference <= 0 {
		return models.NewValidationError("scoring.max_cost_reference", "must be positive")
	}
	if c.Review.Timeout <= 0 {
		return models.NewValidationError("review.timeout", "must be positive")
	}
	if c.Review.MaxConcurrent <= 0 {
		return models.NewValidationError("review.max_concurrent", "must be positive")
	}
	if c.Review.Cache.MaxEntries <= 0 {
		return models.NewValidationError("review.cache.max_entries", "must be positive")
	}
	switch c.Review.Cache.Backend {
	case "memory", "":
	case "redis":
		if c.Review.Cache.RedisURL == "" {
			return models.NewValidationError("review.cache.redis_url", "required for redis backend")
		}
	default:
		return models.NewValidationError("review.cache.backend", fmt.Sprintf("unsupported backend %q", c.Review.Cache.Backend))
	}
	switch c.Database.Type {
	case "memory", "sqlite", "postgres":
	default:
		return models.NewValidationError("database.type", fmt.Sprintf("unsupported type %q", c.Database.Type))
	}
	if c.Checkpoints.MaxCheckpoints <= 0 {
		return models.NewValidationError("checkpoints.max_checkpoints", "must be positive")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return models.NewValidationError("recovery.max_attempts", "must be positive")
	}
	if c.Session.ConvergenceThreshold <= 0 || c.Session.ConvergenceThreshold > 1 {
		return models.NewValidationError("session.convergence_threshold", "must be in (0, 1]")
	}
	if c.Session.ConsecutiveRequired <= 0 {
		return models.NewValidationError("session.consecutive_required", "must be positive")
	}
	if c.Security.EnableAuth && c.Security.JWTSecret == "" && len(c.Security.APIKeyHashes) == 0 {
		return models.NewValidationError("security", "auth enabled without jwt_secret or api_key_hashes")
	}
	for _, p := range c.Profiles {
		if p.CandidateID == "" {
			return models.NewValidationError("profiles.candidate_id", "must not be empty")
		}
		if p.BaseQuality < 0 || p.BaseQuality > 1 {
			return models.NewValidationError("profiles.base_quality", "must be in [0, 1]")
		}
	}
	return nil
}
