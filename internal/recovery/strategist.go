package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/converge/internal/checkpoint"
	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/telemetry"
	"github.com/jordanhubbard/converge/pkg/config"
	"github.com/jordanhubbard/converge/pkg/models"
)

// Config bounds recovery behavior
type Config struct {
	// MaxAttempts is the number of recoveries one failure lineage may use.
	MaxAttempts int
	MaxSubTasks int
}

// DefaultConfig returns the default recovery limits.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, MaxSubTasks: 5}
}

// ConfigFrom converts the recovery configuration section.
func ConfigFrom(c config.RecoveryConfig) Config {
	out := Config{MaxAttempts: c.MaxAttempts, MaxSubTasks: c.MaxSubTasks}
	def := DefaultConfig()
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.MaxSubTasks <= 0 {
		out.MaxSubTasks = def.MaxSubTasks
	}
	return out
}

// Request is one recovery invocation
type Request struct {
	SessionID string
	Failure   models.FailureContext
	// Attempt is the 1-based attempt number within Failure.Lineage.
	Attempt int
	// State is the failing state. It is captured as PRE_RECOVERY first.
	State  models.SessionState
	Prompt string
}

// Result is the strategist's verdict plus the state to resume from
type Result struct {
	models.RecoveryResult
	// Restored is the checkpointed state the session resumes from.
	// Nil unless Outcome is RECOVERED.
	Restored *models.SessionState
	// Progressive asks the engine to checkpoint after every step.
	Progressive bool
	// PreRecoveryID is the checkpoint holding the failing state.
	PreRecoveryID string
}

// Strategist selects and applies recovery strategies. It only reads
// checkpoints that already exist, apart from the PRE_RECOVERY snapshot.
type Strategist struct {
	store   checkpoint.Store
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a Strategist over store.
func New(store checkpoint.Store, cfg Config, m *metrics.Metrics) *Strategist {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MaxSubTasks <= 0 {
		cfg.MaxSubTasks = DefaultConfig().MaxSubTasks
	}
	return &Strategist{store: store, cfg: cfg, metrics: m}
}

// Select picks the strategy for fc on the given lineage attempt.
func (s *Strategist) Select(fc models.FailureContext, attempt int) models.Strategy {
	return Select(fc, attempt, s.cfg.MaxAttempts)
}

// Select is the pure strategy table. Rules apply in order:
//
//  1. attempt beyond maxAttempts escalates.
//  2. transient failures and a session's first failure retry immediately.
//  3. repeated structural failures decompose once per lineage.
//  4. repeated divergence goes progressive.
//  5. a lineage that already retried or decomposed goes progressive.
//  6. anything else retries immediately.
func Select(fc models.FailureContext, attempt, maxAttempts int) models.Strategy {
	switch {
	case attempt > maxAttempts:
		return models.StrategyEscalate
	case fc.Kind == models.FailureTransient || fc.PriorAny == 0:
		return models.StrategyImmediate
	case fc.Kind == models.FailureStructural && fc.PriorSameKind >= 1 && !fc.Attempted(models.StrategyDecompose):
		return models.StrategyDecompose
	case fc.Kind == models.FailureDivergent && fc.PriorSameKind >= 1:
		return models.StrategyProgressive
	case fc.Attempted(models.StrategyImmediate) || fc.Attempted(models.StrategyDecompose):
		return models.StrategyProgressive
	default:
		return models.StrategyImmediate
	}
}

// Recover applies the selected strategy for req.
//
// The failing state is always checkpointed as PRE_RECOVERY before anything
// is restored. A missing restore target yields ESCALATED with
// models.ErrCheckpointNotFound; an exhausted lineage yields ABORTED with
// models.ErrRecoveryExhausted.
func (s *Strategist) Recover(ctx context.Context, req Request) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.Recover")
	defer span.End()

	strategy := s.Select(req.Failure, req.Attempt)
	res := Result{RecoveryResult: models.RecoveryResult{
		Strategy: strategy,
		Kind:     req.Failure.Kind,
		Attempt:  req.Attempt,
	}}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("failure.kind", string(req.Failure.Kind)),
		attribute.String("recovery.strategy", string(strategy)),
		attribute.Int("recovery.attempt", req.Attempt),
	)

	pre, err := s.store.Create(ctx, req.SessionID, models.CheckpointPreRecovery, req.State)
	if err != nil {
		return s.finish(ctx, res, models.OutcomeEscalated, fmt.Errorf("failed to capture pre-recovery state: %w", err))
	}
	res.PreRecoveryID = pre.ID

	if strategy == models.StrategyEscalate {
		res.Detail = fmt.Sprintf("lineage %s used %d of %d attempts", req.Failure.Lineage, req.Attempt-1, s.cfg.MaxAttempts)
		return s.finish(ctx, res, models.OutcomeAborted,
			fmt.Errorf("%w: lineage %s", models.ErrRecoveryExhausted, req.Failure.Lineage))
	}

	target, err := s.target(ctx, req.SessionID, strategy, req.Failure.LastGoodCheckpointID)
	if err != nil {
		return s.finish(ctx, res, models.OutcomeEscalated, err)
	}
	restored := target.State.Clone()
	res.CheckpointID = target.ID
	res.Restored = &restored

	switch strategy {
	case models.StrategyDecompose:
		res.SubTasks = Decompose(req.Prompt, s.cfg.MaxSubTasks)
		res.Detail = fmt.Sprintf("decomposed into %d sub-task(s) from checkpoint %d", len(res.SubTasks), target.Sequence)
	case models.StrategyProgressive:
		res.Progressive = true
		res.Detail = fmt.Sprintf("progressive mode from checkpoint %d", target.Sequence)
	default:
		res.Detail = fmt.Sprintf("restored checkpoint %d", target.Sequence)
	}
	return s.finish(ctx, res, models.OutcomeRecovered, nil)
}

// target resolves the checkpoint a strategy restores. DECOMPOSE prefers the
// last STABLE checkpoint; every strategy otherwise uses lastGood when set,
// falling back to the newest non-PRE_RECOVERY checkpoint.
func (s *Strategist) target(ctx context.Context, sessionID string, strategy models.Strategy, lastGood string) (models.Checkpoint, error) {
	if strategy == models.StrategyDecompose {
		cp, err := s.store.Latest(ctx, sessionID, models.CheckpointStable)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, models.ErrCheckpointNotFound) {
			return models.Checkpoint{}, err
		}
	}
	if lastGood != "" {
		cp, err := s.store.Get(ctx, lastGood)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, models.ErrCheckpointNotFound) {
			return models.Checkpoint{}, err
		}
		log.Printf("[Recovery] Last good checkpoint %s of session %s is gone, using newest restorable", lastGood, sessionID)
	}

	cps, err := s.store.List(ctx, sessionID, checkpoint.Filter{})
	if err != nil {
		return models.Checkpoint{}, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Type != models.CheckpointPreRecovery {
			return cps[i], nil
		}
	}
	return models.Checkpoint{}, fmt.Errorf("%w: nothing to restore for session %s", models.ErrCheckpointNotFound, sessionID)
}

func (s *Strategist) finish(ctx context.Context, res Result, outcome models.RecoveryOutcome, err error) (Result, error) {
	res.Outcome = outcome
	if outcome != models.OutcomeRecovered {
		res.Restored = nil
		res.Progressive = false
		res.SubTasks = nil
	}
	s.metrics.RecordRecovery(string(res.Kind), string(res.Strategy), string(outcome))
	telemetry.Meters().RecordRecovery(ctx, string(res.Strategy), string(outcome))
	if err != nil {
		log.Printf("[Recovery] %s/%s attempt %d -> %s: %v", res.Kind, res.Strategy, res.Attempt, outcome, err)
	} else {
		log.Printf("[Recovery] %s/%s attempt %d -> %s (%s)", res.Kind, res.Strategy, res.Attempt, outcome, res.Detail)
	}
	return res, err
}
