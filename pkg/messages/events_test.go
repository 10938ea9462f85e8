package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventConstructors(t *testing.T) {
	data := map[string]interface{}{"sequence": 3}
	tests := []struct {
		name     string
		msg      *EventMessage
		typ      string
		entity   string
		action   string
		category string
	}{
		{"session created", SessionCreated("s1", "req-1", "engine"), "session-created", "req-1", "created", "session"},
		{"iteration completed", IterationCompleted("s1", "alpha", "engine", data), "iteration-completed", "alpha", "completed", "iteration"},
		{"checkpoint created", CheckpointCreated("s1", "cp-1", "engine", data), "checkpoint-created", "cp-1", "created", "checkpoint"},
		{"recovery invoked", RecoveryInvoked("s1", "cp-0", "engine", data), "recovery-invoked", "cp-0", "invoked", "recovery"},
		{"session converged", SessionConverged("s1", "cp-9", "engine", data), "session-converged", "cp-9", "converged", "session"},
		{"session aborted", SessionAborted("s1", "engine", "attempts exhausted", nil), "session-aborted", "", "aborted", "session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.msg.Type)
			assert.Equal(t, "s1", tt.msg.SessionID)
			assert.Equal(t, "engine", tt.msg.Source)
			assert.Equal(t, tt.entity, tt.msg.EntityID)
			assert.Equal(t, tt.action, tt.msg.Event.Action)
			assert.Equal(t, tt.category, tt.msg.Event.Category)
			assert.False(t, tt.msg.Timestamp.IsZero())
		})
	}
}

func TestSessionAborted_Description(t *testing.T) {
	msg := SessionAborted("s1", "engine", "attempts exhausted", nil)
	assert.Equal(t, "attempts exhausted", msg.Event.Description)
	assert.Nil(t, msg.Event.Data)
}

func TestEventMessage_JSON(t *testing.T) {
	msg := CheckpointCreated("s1", "cp-1", "engine", map[string]interface{}{"type": "STABLE"})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "checkpoint-created", raw["type"])
	assert.Equal(t, "s1", raw["session_id"])
	assert.Equal(t, "cp-1", raw["entity_id"])
	assert.NotContains(t, raw, "metadata")
}
