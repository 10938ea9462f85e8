package models

// FailureKind classifies a session failure
type FailureKind string

const (
	FailureTransient  FailureKind = "TRANSIENT"
	FailureDivergent  FailureKind = "DIVERGENT"
	FailureStructural FailureKind = "STRUCTURAL"
	FailureUnknown    FailureKind = "UNKNOWN"
)

// Strategy is the recovery policy chosen for a failure
type Strategy string

const (
	StrategyImmediate   Strategy = "IMMEDIATE"
	StrategyDecompose   Strategy = "DECOMPOSE"
	StrategyProgressive Strategy = "PROGRESSIVE"
	StrategyEscalate    Strategy = "ESCALATE"
)

// RecoveryOutcome is the result of applying a strategy
type RecoveryOutcome string

const (
	OutcomeRecovered RecoveryOutcome = "RECOVERED"
	OutcomeEscalated RecoveryOutcome = "ESCALATED"
	OutcomeAborted   RecoveryOutcome = "ABORTED"
)

// FailureContext captures everything strategy selection depends on
type FailureContext struct {
	Kind                 FailureKind `json:"kind"`
	Iteration            int         `json:"iteration"`
	LastGoodCheckpointID string      `json:"last_good_checkpoint_id,omitempty"`
	// PriorSameKind counts earlier failures of Kind in this session.
	PriorSameKind int `json:"prior_same_kind"`
	// PriorAny counts earlier failures of any kind in this session.
	PriorAny int `json:"prior_any"`
	// Lineage identifies the chain of failures a recovery attempt belongs to.
	Lineage             string     `json:"lineage"`
	AttemptedStrategies []Strategy `json:"attempted_strategies,omitempty"`
	Message             string     `json:"message,omitempty"`
}

// Attempted reports whether s was already tried in this lineage.
func (fc FailureContext) Attempted(s Strategy) bool {
	for _, a := range fc.AttemptedStrategies {
		if a == s {
			return true
		}
	}
	return false
}

// SubTask is one piece of a decomposed generation task
type SubTask struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

// RecoveryResult describes what the strategist did
type RecoveryResult struct {
	Strategy     Strategy        `json:"strategy"`
	Outcome      RecoveryOutcome `json:"outcome"`
	Kind         FailureKind     `json:"kind"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	SubTasks     []SubTask       `json:"sub_tasks,omitempty"`
	Attempt      int             `json:"attempt"`
	Detail       string          `json:"detail,omitempty"`
}
