package workflows

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/converge/internal/eventbus"
)

const (
	// LedgerSignal carries one LedgerEntry into a session's ledger workflow.
	LedgerSignal = "session-event"
	// LedgerQuery returns the current LedgerSummary.
	LedgerQuery = "ledger"

	defaultIdleTimeout = 24 * time.Hour
	maxLedgerEntries   = 500
)

// LedgerInput starts a session ledger
type LedgerInput struct {
	SessionID string
	// IdleTimeout closes the ledger when no event arrives for this long.
	IdleTimeout time.Duration
}

// LedgerEntry is one recorded session event
type LedgerEntry struct {
	EventID  string                 `json:"event_id"`
	Type     string                 `json:"type"`
	EntityID string                 `json:"entity_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	At       time.Time              `json:"at"`
}

// LedgerSummary is the audit record of a session
type LedgerSummary struct {
	SessionID   string        `json:"session_id"`
	Status      string        `json:"status"` // OPEN, CONVERGED, ABORTED or IDLE
	Iterations  int           `json:"iterations"`
	Checkpoints int           `json:"checkpoints"`
	Recoveries  int           `json:"recoveries"`
	Dropped     int           `json:"dropped"`
	Entries     []LedgerEntry `json:"entries"`
}

func (s *LedgerSummary) apply(e LedgerEntry) {
	switch eventbus.EventType(e.Type) {
	case eventbus.EventTypeIterationCompleted:
		s.Iterations++
	case eventbus.EventTypeCheckpointCreated:
		s.Checkpoints++
	case eventbus.EventTypeRecoveryInvoked:
		s.Recoveries++
	case eventbus.EventTypeSessionConverged:
		s.Status = "CONVERGED"
	case eventbus.EventTypeSessionAborted:
		s.Status = "ABORTED"
	}
	s.Entries = append(s.Entries, e)
	if len(s.Entries) > maxLedgerEntries {
		s.Dropped += len(s.Entries) - maxLedgerEntries
		s.Entries = s.Entries[len(s.Entries)-maxLedgerEntries:]
	}
}

func (s *LedgerSummary) closed() bool {
	return s.Status != "OPEN"
}

// SessionLedgerWorkflow records every event of one session and completes when
// the session converges or aborts, or after IdleTimeout without events.
func SessionLedgerWorkflow(ctx workflow.Context, input LedgerInput) (LedgerSummary, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Session ledger started", "sessionID", input.SessionID)

	idle := input.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	summary := LedgerSummary{SessionID: input.SessionID, Status: "OPEN"}
	if err := workflow.SetQueryHandler(ctx, LedgerQuery, func() (LedgerSummary, error) {
		return summary, nil
	}); err != nil {
		return summary, err
	}

	signals := workflow.GetSignalChannel(ctx, LedgerSignal)
	for !summary.closed() {
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, idle)

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(signals, func(c workflow.ReceiveChannel, more bool) {
			var entry LedgerEntry
			c.Receive(ctx, &entry)
			summary.apply(entry)
		})
		selector.AddFuture(timer, func(workflow.Future) {
			summary.Status = "IDLE"
		})
		selector.Select(ctx)
		cancelTimer()
	}

	// Events that raced the terminal one are still recorded.
	for {
		var entry LedgerEntry
		if !signals.ReceiveAsync(&entry) {
			break
		}
		summary.apply(entry)
	}

	logger.Info("Session ledger closed", "sessionID", input.SessionID, "status", summary.Status, "entries", len(summary.Entries))
	return summary, nil
}
