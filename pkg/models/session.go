package models

import "time"

// SessionStatus represents the lifecycle state of a generation session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "ACTIVE"
	SessionStatusRecovering SessionStatus = "RECOVERING"
	SessionStatusConverged  SessionStatus = "CONVERGED"
	SessionStatusAborted    SessionStatus = "ABORTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusConverged || s == SessionStatusAborted
}

// GenerationRequest describes the task a session iterates on
type GenerationRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "architecture", "api", "bugfix", ...
	Prompt   string `json:"prompt"`
	Language string `json:"language,omitempty"`
}

// Validate rejects requests that cannot start or continue a session.
func (r GenerationRequest) Validate() error {
	if r.ID == "" {
		return NewValidationError("request.id", "must not be empty")
	}
	if r.Prompt == "" {
		return NewValidationError("request.prompt", "must not be empty")
	}
	return nil
}

// SessionState is an immutable snapshot of a session at one iteration.
// Never mutate a SessionState in place; derive a new one with the With* helpers.
type SessionState struct {
	Iteration int          `json:"iteration"`
	Artifact  string       `json:"artifact"`
	LastScore *ScoreResult `json:"last_score,omitempty"`
	Tags      []PatternTag `json:"tags,omitempty"`
}

// Clone returns a deep copy of the state.
func (s SessionState) Clone() SessionState {
	out := SessionState{
		Iteration: s.Iteration,
		Artifact:  s.Artifact,
	}
	if s.LastScore != nil {
		score := s.LastScore.Clone()
		out.LastScore = &score
	}
	if s.Tags != nil {
		out.Tags = append([]PatternTag(nil), s.Tags...)
	}
	return out
}

// WithIteration returns a copy advanced to the given iteration.
func (s SessionState) WithIteration(iteration int) SessionState {
	out := s.Clone()
	out.Iteration = iteration
	return out
}

// WithArtifact returns a copy holding a new artifact.
func (s SessionState) WithArtifact(artifact string) SessionState {
	out := s.Clone()
	out.Artifact = artifact
	return out
}

// WithScore returns a copy recording the top score and detected tags.
func (s SessionState) WithScore(score ScoreResult, tags []PatternTag) SessionState {
	out := s.Clone()
	sc := score.Clone()
	out.LastScore = &sc
	out.Tags = append([]PatternTag(nil), tags...)
	return out
}

// IterationRecord is one entry of a session's ordered history
type IterationRecord struct {
	Iteration    int           `json:"iteration"`
	CandidateID  string        `json:"candidate_id,omitempty"`
	TopScore     float64       `json:"top_score"`
	Scores       []ScoreResult `json:"scores,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Failure      *FailureKind  `json:"failure,omitempty"`
	SubTask      string        `json:"sub_task,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Session is the aggregate owned by the session engine
type Session struct {
	ID        string            `json:"id"`
	Request   GenerationRequest `json:"request"`
	Status    SessionStatus     `json:"status"`
	State     SessionState      `json:"state"`
	History   []IterationRecord `json:"history"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Recovery bookkeeping
	PendingSubTasks []SubTask        `json:"pending_sub_tasks,omitempty"`
	Progressive     bool             `json:"progressive"`
	Recoveries      []RecoveryResult `json:"recoveries,omitempty"`
	StableStreak    int              `json:"stable_streak"`
}

// Snapshot returns a copy that is safe to hand to callers outside the engine.
func (s *Session) Snapshot() Session {
	out := *s
	out.State = s.State.Clone()
	out.History = append([]IterationRecord(nil), s.History...)
	out.PendingSubTasks = append([]SubTask(nil), s.PendingSubTasks...)
	out.Recoveries = append([]RecoveryResult(nil), s.Recoveries...)
	return out
}
