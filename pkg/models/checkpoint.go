package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// CheckpointType categorizes why a checkpoint was taken
type CheckpointType string

const (
	CheckpointAuto        CheckpointType = "AUTO"
	CheckpointStable      CheckpointType = "STABLE"
	CheckpointPreRecovery CheckpointType = "PRE_RECOVERY"
)

// Valid reports whether t is a known checkpoint type.
func (t CheckpointType) Valid() bool {
	switch t {
	case CheckpointAuto, CheckpointStable, CheckpointPreRecovery:
		return true
	}
	return false
}

// Checkpoint is an immutable, sequence-numbered snapshot of session state.
// Sequence numbers are strictly increasing per session with no gaps.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Type      CheckpointType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	ParentID  string         `json:"parent_id,omitempty"`
	Hash      string         `json:"hash"`
	State     SessionState   `json:"state"`
}

// Clone returns a deep copy so callers can never reach stored payloads.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.State = c.State.Clone()
	return out
}

// HashState computes the content hash stored alongside a checkpoint.
func HashState(state SessionState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
