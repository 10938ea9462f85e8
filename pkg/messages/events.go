package messages

import "time"

// EventMessage is a session lifecycle event as sent via NATS
type EventMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`   // "checkpoint-created", "session-converged", ...
	Source    string                 `json:"source"` // Service that generated the event
	SessionID string                 `json:"session_id"`
	EntityID  string                 `json:"entity_id,omitempty"` // Checkpoint ID, candidate ID, etc.
	Event     EventData              `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "created", "invoked", "converged", "aborted", "completed"
	Category    string                 `json:"category"` // "session", "checkpoint", "recovery", "iteration"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// SessionCreated creates a session-created event
func SessionCreated(sessionID, requestID, source string) *EventMessage {
	return &EventMessage{
		Type:      "session-created",
		Source:    source,
		SessionID: sessionID,
		EntityID:  requestID,
		Event: EventData{
			Action:   "created",
			Category: "session",
		},
		Timestamp: time.Now(),
	}
}

// IterationCompleted creates an iteration-completed event
func IterationCompleted(sessionID, topCandidateID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "iteration-completed",
		Source:    source,
		SessionID: sessionID,
		EntityID:  topCandidateID,
		Event: EventData{
			Action:   "completed",
			Category: "iteration",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// CheckpointCreated creates a checkpoint-created event
func CheckpointCreated(sessionID, checkpointID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "checkpoint-created",
		Source:    source,
		SessionID: sessionID,
		EntityID:  checkpointID,
		Event: EventData{
			Action:   "created",
			Category: "checkpoint",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// RecoveryInvoked creates a recovery-invoked event
func RecoveryInvoked(sessionID, checkpointID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "recovery-invoked",
		Source:    source,
		SessionID: sessionID,
		EntityID:  checkpointID,
		Event: EventData{
			Action:   "invoked",
			Category: "recovery",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// SessionConverged creates a session-converged event
func SessionConverged(sessionID, stableCheckpointID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "session-converged",
		Source:    source,
		SessionID: sessionID,
		EntityID:  stableCheckpointID,
		Event: EventData{
			Action:   "converged",
			Category: "session",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// SessionAborted creates a session-aborted event
func SessionAborted(sessionID, source, reason string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "session-aborted",
		Source:    source,
		SessionID: sessionID,
		Event: EventData{
			Action:      "aborted",
			Category:    "session",
			Description: reason,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}
