// Package temporal keeps a durable, queryable ledger of every session in
// Temporal, fed from the session event bus.
package temporal

import (
	"context"
	"fmt"
	"log"

	"go.temporal.io/sdk/worker"

	temporalclient "github.com/jordanhubbard/converge/internal/temporal/client"
	"github.com/jordanhubbard/converge/internal/temporal/workflows"
	"github.com/jordanhubbard/converge/pkg/config"
)

// Manager owns the Temporal client and the ledger worker
type Manager struct {
	client    *temporalclient.Client
	worker    worker.Worker
	config    *config.TemporalConfig
	forwarder *SignalForwarder
}

// NewManager connects to Temporal and registers the ledger workflow.
func NewManager(ctx context.Context, cfg *config.TemporalConfig) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	c, err := temporalclient.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.SessionLedgerWorkflow)
	log.Printf("[Temporal] Worker registered for task queue: %s", cfg.TaskQueue)

	return &Manager{
		client:    c,
		worker:    w,
		config:    cfg,
		forwarder: NewSignalForwarder(c, cfg.TaskQueue),
	}, nil
}

// Start starts the worker in the background
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	log.Println("[Temporal] Worker started")
	return nil
}

// Stop stops the worker and closes the client
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[Temporal] Manager stopped")
}

// Forwarder returns the event forwarder to register on the event bus.
func (m *Manager) Forwarder() *SignalForwarder {
	return m.forwarder
}

// Ledger queries the ledger of a session.
func (m *Manager) Ledger(ctx context.Context, sessionID string) (workflows.LedgerSummary, error) {
	var summary workflows.LedgerSummary
	val, err := m.client.QueryWorkflow(ctx, LedgerWorkflowID(sessionID), "", workflows.LedgerQuery)
	if err != nil {
		return summary, fmt.Errorf("failed to query ledger for session %s: %w", sessionID, err)
	}
	if err := val.Get(&summary); err != nil {
		return summary, fmt.Errorf("failed to decode ledger for session %s: %w", sessionID, err)
	}
	return summary, nil
}
