package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"default", DefaultWeights(), false},
		{"quality only", Weights{Quality: 1}, false},
		{"negative", Weights{Quality: 1.1, Latency: -0.1}, true},
		{"short of one", Weights{Quality: 0.5, Latency: 0.2}, true},
		{"over one", Weights{Quality: 0.6, Latency: 0.6}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name  string
		cand  Candidate
		field string
	}{
		{"ok", Candidate{ID: "a", AvgLatencyMs: 10, CostPerUnit: 1, MaxLoad: 2}, ""},
		{"missing id", Candidate{}, "candidate.id"},
		{"negative latency", Candidate{ID: "a", AvgLatencyMs: -1}, "candidate.avg_latency_ms"},
		{"negative cost", Candidate{ID: "a", CostPerUnit: -1}, "candidate.cost_per_unit"},
		{"negative load", Candidate{ID: "a", CurrentLoad: -1}, "candidate.load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cand.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestIsValidation_Wrapped(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewValidationError("request.prompt", "must not be empty"))
	assert.True(t, IsValidation(err))
	assert.Equal(t, "submit: invalid request.prompt: must not be empty", err.Error())
	assert.False(t, IsValidation(ErrSessionNotFound))
}

func TestSessionState_WithHelpersDoNotMutate(t *testing.T) {
	base := SessionState{
		Iteration: 1,
		Artifact:  "v1",
		Tags:      []PatternTag{{Tag: "error-handling", Severity: SeverityMedium, Weight: 0.2}},
	}
	score := ScoreResult{CandidateID: "alpha", Total: 0.7, Tags: []PatternTag{{Tag: "tests"}}}

	next := base.WithIteration(2).WithArtifact("v2").WithScore(score, []PatternTag{{Tag: "tests"}})
	assert.Equal(t, 1, base.Iteration)
	assert.Equal(t, "v1", base.Artifact)
	assert.Nil(t, base.LastScore)
	assert.Equal(t, "error-handling", base.Tags[0].Tag)

	assert.Equal(t, 2, next.Iteration)
	assert.Equal(t, "v2", next.Artifact)
	require.NotNil(t, next.LastScore)
	assert.Equal(t, "alpha", next.LastScore.CandidateID)

	score.Tags[0].Tag = "changed"
	assert.Equal(t, "tests", next.LastScore.Tags[0].Tag)

	clone := next.Clone()
	clone.Tags[0].Tag = "changed"
	assert.Equal(t, "tests", next.Tags[0].Tag)
}

func TestHashState(t *testing.T) {
	a := SessionState{Iteration: 3, Artifact: "x"}
	h1, err := HashState(a)
	require.NoError(t, err)
	h2, err := HashState(a.Clone())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := HashState(a.WithArtifact("y"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestCheckpointTypeValid(t *testing.T) {
	for _, typ := range []CheckpointType{CheckpointAuto, CheckpointStable, CheckpointPreRecovery} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, CheckpointType("MANUAL").Valid())
	assert.False(t, CheckpointType("").Valid())
}

func TestSessionSnapshot_Independent(t *testing.T) {
	s := &Session{
		ID:              "s1",
		Status:          SessionStatusActive,
		History:         []IterationRecord{{Iteration: 1}},
		PendingSubTasks: []SubTask{{Index: 0, Prompt: "a"}},
	}
	snap := s.Snapshot()
	snap.History[0].Iteration = 9
	snap.PendingSubTasks[0].Prompt = "b"
	assert.Equal(t, 1, s.History[0].Iteration)
	assert.Equal(t, "a", s.PendingSubTasks[0].Prompt)

	assert.False(t, SessionStatusActive.IsTerminal())
	assert.False(t, SessionStatusRecovering.IsTerminal())
	assert.True(t, SessionStatusConverged.IsTerminal())
	assert.True(t, SessionStatusAborted.IsTerminal())
}

func TestFailureContextAttempted(t *testing.T) {
	fc := FailureContext{AttemptedStrategies: []Strategy{StrategyImmediate}}
	assert.True(t, fc.Attempted(StrategyImmediate))
	assert.False(t, fc.Attempted(StrategyDecompose))
}
