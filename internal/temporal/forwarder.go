package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/jordanhubbard/converge/internal/eventbus"
	"github.com/jordanhubbard/converge/internal/temporal/workflows"
)

// Signaler is the part of the Temporal client the forwarder uses.
type Signaler interface {
	SignalWithStartWorkflow(ctx context.Context, workflowID, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
}

// LedgerWorkflowID names the ledger workflow of a session.
func LedgerWorkflowID(sessionID string) string {
	return "session-ledger-" + sessionID
}

// SignalForwarder delivers session events to per-session ledger workflows,
// starting the ledger on the first event it sees for a session.
type SignalForwarder struct {
	signaler  Signaler
	taskQueue string
}

var _ eventbus.Forwarder = (*SignalForwarder)(nil)

// NewSignalForwarder creates a forwarder targeting taskQueue.
func NewSignalForwarder(s Signaler, taskQueue string) *SignalForwarder {
	return &SignalForwarder{signaler: s, taskQueue: taskQueue}
}

// Forward signals the ledger of event's session. Events without a session and
// events relayed from other instances are skipped; the owning instance
// records those.
func (f *SignalForwarder) Forward(ctx context.Context, event *eventbus.Event) error {
	if event.SessionID == "" {
		return nil
	}
	if _, remote := event.Data["from_nats"]; remote {
		return nil
	}

	entry := workflows.LedgerEntry{
		EventID:  event.ID,
		Type:     string(event.Type),
		EntityID: event.EntityID,
		Data:     event.Data,
		At:       event.Timestamp,
	}
	id := LedgerWorkflowID(event.SessionID)
	opts := client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: f.taskQueue,
	}
	input := workflows.LedgerInput{SessionID: event.SessionID}
	if _, err := f.signaler.SignalWithStartWorkflow(ctx, id, workflows.LedgerSignal, entry, opts, workflows.SessionLedgerWorkflow, input); err != nil {
		return fmt.Errorf("failed to signal ledger %s: %w", id, err)
	}
	return nil
}
