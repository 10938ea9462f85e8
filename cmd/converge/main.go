package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/converge/internal/api"
	"github.com/jordanhubbard/converge/internal/auth"
	"github.com/jordanhubbard/converge/internal/checkpoint"
	"github.com/jordanhubbard/converge/internal/eventbus"
	"github.com/jordanhubbard/converge/internal/messagebus"
	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/recovery"
	"github.com/jordanhubbard/converge/internal/review"
	"github.com/jordanhubbard/converge/internal/scoring"
	"github.com/jordanhubbard/converge/internal/session"
	"github.com/jordanhubbard/converge/internal/telemetry"
	"github.com/jordanhubbard/converge/internal/temporal"
	"github.com/jordanhubbard/converge/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("Converge v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	applyEnv(cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	m := metrics.NewMetrics()

	store, err := checkpoint.Open(cfg.Database, checkpoint.RetentionFromConfig(cfg.Checkpoints), m)
	if err != nil {
		log.Fatalf("failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	eb := eventbus.NewEventBus(1000, m)
	defer eb.Close()

	reviewClient, cache, err := newReviewClient(runCtx, cfg, m)
	if err != nil {
		log.Fatalf("failed to create review client: %v", err)
	}
	if closer, ok := cache.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var reviewer scoring.Reviewer
	opts := session.Options{Notifier: eb, Metrics: m}
	if reviewClient != nil {
		reviewer = reviewClient
		opts.Cache = reviewClient
	} else {
		log.Printf("No review endpoint configured; scoring uses heuristic quality only")
	}
	scorer, err := scoring.New(reviewer, scoring.ConfigFrom(cfg), m)
	if err != nil {
		log.Fatalf("invalid scoring configuration: %v", err)
	}

	var checks []api.HealthCheck
	checks = append(checks, api.HealthCheck{
		Name:     "checkpoints",
		Critical: true,
		Check: func(ctx context.Context) error {
			_, err := store.Stats(ctx)
			return err
		},
	})

	if cfg.Messaging.Enabled {
		nmb, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.Messaging.NATSURL,
			StreamName: cfg.Messaging.StreamName,
			Timeout:    cfg.Messaging.Timeout,
		})
		if err != nil {
			log.Printf("Warning: NATS unavailable, events stay local: %v", err)
		} else {
			defer nmb.Close()
			bridge := messagebus.NewBridge(nmb, nmb, eb, instanceID())
			if err := bridge.Start(); err != nil {
				log.Printf("Warning: Failed to start NATS bridge: %v", err)
			}
			checks = append(checks, api.HealthCheck{Name: "nats", Check: func(context.Context) error { return nmb.Health() }})
		}
	}

	if cfg.Temporal.Enabled {
		tm, err := temporal.NewManager(runCtx, &cfg.Temporal)
		if err != nil {
			log.Printf("Warning: Temporal unavailable, session ledger disabled: %v", err)
		} else if err := tm.Start(); err != nil {
			log.Printf("Warning: %v", err)
			tm.Stop()
		} else {
			defer tm.Stop()
			eb.AddForwarder(tm.Forwarder())
		}
	}

	engine, err := session.New(scorer, store, recovery.New(store, recovery.ConfigFrom(cfg.Recovery), m),
		session.ConfigFrom(cfg.Session), opts)
	if err != nil {
		log.Fatalf("failed to create session engine: %v", err)
	}
	if _, err := engine.Restore(runCtx); err != nil {
		log.Printf("Warning: Failed to restore saved sessions: %v", err)
	}

	var authManager *auth.Manager
	if cfg.Security.EnableAuth {
		authManager = auth.NewManager(cfg.Security)
	}

	apiServer := api.NewServer(engine, eb, authManager, cfg, m)
	for _, c := range checks {
		apiServer.AddHealthCheck(c)
	}
	handler := apiServer.SetupRoutes()

	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "converge-http-server")
	}

	if cfg.HotReload.Enabled {
		go func() {
			err := config.Watch(runCtx, *configPath, func(next *config.Config) {
				if err := scorer.Reconfigure(scoring.ConfigFrom(next)); err != nil {
					log.Printf("[Config] Scoring reload rejected: %v", err)
				}
				if err := engine.Reconfigure(session.ConfigFrom(next.Session)); err != nil {
					log.Printf("[Config] Session reload rejected: %v", err)
				}
			})
			if err != nil {
				log.Printf("[Config] Hot reload disabled: %v", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Converge API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(shutdownCtx)
	log.Printf("Converge stopped")
}

// loadConfig reads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return config.LoadConfigFromFile(path)
}

// applyEnv overrides configuration with environment variables if set.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		cfg.Temporal.Host = v
		log.Printf("Using Temporal host from environment: %s", v)
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Temporal.Namespace = v
		log.Printf("Using Temporal namespace from environment: %s", v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Messaging.NATSURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CONVERGE_REVIEW_API_KEY"); v != "" {
		cfg.Review.APIKey = v
	}
	if v := os.Getenv("CONVERGE_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("CONVERGE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

// newReviewClient builds the review client and its cache. The client is nil
// when no review endpoint is configured.
func newReviewClient(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*review.Client, review.Backend, error) {
	if cfg.Review.Endpoint == "" {
		return nil, nil, nil
	}
	cacheCfg := review.CacheConfig{MaxEntries: cfg.Review.Cache.MaxEntries, TTL: cfg.Review.Cache.TTL}

	var cache review.Backend
	switch cfg.Review.Cache.Backend {
	case "redis":
		rc, err := review.NewRedisCache(ctx, cfg.Review.Cache.RedisURL, cfg.Review.Cache.KeyPrefix, cacheCfg, m)
		if err != nil {
			return nil, nil, err
		}
		cache = rc
	default:
		cache = review.NewMemoryCache(cacheCfg, m)
	}

	reviewer := review.NewChatReviewer(cfg.Review.Endpoint, cfg.Review.APIKey, cfg.Review.Model)
	client := review.NewClient(reviewer, cache, review.Options{
		Timeout:       cfg.Review.Timeout,
		MaxConcurrent: int64(cfg.Review.MaxConcurrent),
		Metrics:       m,
	})
	return client, cache, nil
}

func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("converge-%d", os.Getpid())
	}
	return hostname
}

func printHelp() {
	fmt.Println("Usage: converge [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TEMPORAL_HOST, TEMPORAL_NAMESPACE  Temporal ledger connection")
	fmt.Println("  NATS_URL                           NATS event fan-out")
	fmt.Println("  CONVERGE_REVIEW_API_KEY            Review endpoint credential")
	fmt.Println("  CONVERGE_JWT_SECRET                Bearer token signing secret")
	fmt.Println("  CONVERGE_DATABASE_DSN              Postgres checkpoint store DSN")
}
