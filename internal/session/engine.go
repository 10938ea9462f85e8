// Package session runs generation sessions: it scores each iteration,
// checkpoints progress, detects convergence and drives recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/converge/internal/checkpoint"
	"github.com/jordanhubbard/converge/internal/eventbus"
	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/patterns"
	"github.com/jordanhubbard/converge/internal/recovery"
	"github.com/jordanhubbard/converge/internal/review"
	"github.com/jordanhubbard/converge/internal/scoring"
	"github.com/jordanhubbard/converge/internal/telemetry"
	"github.com/jordanhubbard/converge/pkg/config"
	"github.com/jordanhubbard/converge/pkg/models"
)

const (
	eventSource   = "session-engine"
	maxRecoveries = 20
)

// Scorer ranks candidates for one iteration. *scoring.Scorer satisfies it.
type Scorer interface {
	Score(ctx context.Context, req models.GenerationRequest, candidates []models.Candidate, sc *scoring.SessionContext) ([]models.ScoreResult, error)
	RecordOutcome(candidateID string, observedScore, observedQuality float64) error
}

// Recoverer applies recovery strategies. *recovery.Strategist satisfies it.
type Recoverer interface {
	Recover(ctx context.Context, req recovery.Request) (recovery.Result, error)
}

// Notifier receives session lifecycle events. *eventbus.EventBus satisfies it.
type Notifier interface {
	PublishSessionEvent(eventType eventbus.EventType, sessionID, entityID string, data map[string]interface{}) error
}

// CacheReporter exposes review cache contents for Statistics.
// *review.Client satisfies it.
type CacheReporter interface {
	CacheEntries(ctx context.Context) []review.CacheEntry
}

// Config tunes convergence detection
type Config struct {
	ConvergenceThreshold float64
	ConsecutiveRequired  int
	// DivergenceThreshold is the artifact drift above which an iteration
	// is flagged as divergent.
	DivergenceThreshold float64
	// HistoryLimit caps retained iteration records. Zero keeps everything.
	HistoryLimit int
}

// DefaultConfig returns the default convergence settings.
func DefaultConfig() Config {
	return Config{
		ConvergenceThreshold: 0.8,
		ConsecutiveRequired:  2,
		DivergenceThreshold:  0.9,
		HistoryLimit:         200,
	}
}

// ConfigFrom converts the session configuration section.
func ConfigFrom(c config.SessionConfig) Config {
	return Config{
		ConvergenceThreshold: c.ConvergenceThreshold,
		ConsecutiveRequired:  c.ConsecutiveRequired,
		DivergenceThreshold:  c.DivergenceThreshold,
		HistoryLimit:         c.HistoryLimit,
	}
}

// Validate checks that the configuration can drive an engine.
func (c Config) Validate() error {
	if c.ConvergenceThreshold <= 0 || c.ConvergenceThreshold > 1 {
		return models.NewValidationError("session.convergence_threshold", "must be in (0, 1]")
	}
	if c.ConsecutiveRequired < 1 {
		return models.NewValidationError("session.consecutive_required", "must be at least 1")
	}
	if c.DivergenceThreshold <= 0 || c.DivergenceThreshold > 1 {
		return models.NewValidationError("session.divergence_threshold", "must be in (0, 1]")
	}
	if c.HistoryLimit < 0 {
		return models.NewValidationError("session.history_limit", "must not be negative")
	}
	return nil
}

// Options holds the optional collaborators of an Engine
type Options struct {
	Notifier Notifier
	Cache    CacheReporter
	Metrics  *metrics.Metrics
}

// SubmitInput is one iteration request
type SubmitInput struct {
	// SessionID continues an existing session. Empty starts a new one.
	SessionID  string
	Request    models.GenerationRequest
	Candidates []models.Candidate
	// Artifact is the output produced for this iteration. When set it is
	// classified and reviewed instead of the prompt.
	Artifact string
}

// SubmitResult reports what one iteration did
type SubmitResult struct {
	SessionID          string               `json:"session_id"`
	Iteration          int                  `json:"iteration"`
	Status             models.SessionStatus `json:"status"`
	Scores             []models.ScoreResult `json:"scores"`
	CheckpointID       string               `json:"checkpoint_id,omitempty"`
	StableCheckpointID string               `json:"stable_checkpoint_id,omitempty"`
	Converged          bool                 `json:"converged"`
	SubTask            *models.SubTask      `json:"sub_task,omitempty"`
	Drift              float64              `json:"drift"`
	Divergent          bool                 `json:"divergent"`
}

// Statistics summarizes engine-wide state
type Statistics struct {
	CacheSize              int                                                     `json:"cache_size"`
	CacheEntries           []review.CacheEntry                                     `json:"cache_entries"`
	SessionsActive         int                                                     `json:"sessions_active"`
	SessionsTotal          int                                                     `json:"sessions_total"`
	RecoveryOutcomesByKind map[models.FailureKind]map[models.RecoveryOutcome]int `json:"recovery_outcomes_by_kind"`
	Checkpoints            *checkpoint.Stats                                       `json:"checkpoints,omitempty"`
}

// entry is the engine-private record of one session. mu serializes every
// mutation of the session; snap holds the latest published copy for readers.
type entry struct {
	id      string
	mu      sync.Mutex
	session *models.Session
	snap    atomic.Pointer[models.Session]

	abortRequested atomic.Pointer[string]

	// Failure lineage: consecutive failures not separated by a successful
	// iteration. Counts of prior failures span the whole session.
	lineage           string
	lineageAttempts   int
	lineageStrategies []models.Strategy
	awaitingSuccess   bool
	failuresByKind    map[models.FailureKind]int
	failuresTotal     int
	lastGoodID        string
}

func (e *entry) publish() {
	s := e.session.Snapshot()
	e.snap.Store(&s)
}

// record captures ent for the store. Must hold ent.mu.
func (e *entry) record() checkpoint.SessionRecord {
	return checkpoint.SessionRecord{
		Session:              e.session.Snapshot(),
		Lineage:              e.lineage,
		LineageAttempts:      e.lineageAttempts,
		LineageStrategies:    append([]models.Strategy(nil), e.lineageStrategies...),
		AwaitingSuccess:      e.awaitingSuccess,
		FailuresByKind:       e.failuresByKind,
		FailuresTotal:        e.failuresTotal,
		LastGoodCheckpointID: e.lastGoodID,
	}.Clone()
}

func entryFromRecord(rec checkpoint.SessionRecord) *entry {
	rec = rec.Clone()
	s := rec.Session
	if s.Status == models.SessionStatusRecovering {
		// Interrupted mid-recovery; the failing state was never applied.
		s.Status = models.SessionStatusActive
	}
	ent := &entry{
		id:                s.ID,
		session:           &s,
		lineage:           rec.Lineage,
		lineageAttempts:   rec.LineageAttempts,
		lineageStrategies: rec.LineageStrategies,
		awaitingSuccess:   rec.AwaitingSuccess,
		failuresByKind:    rec.FailuresByKind,
		failuresTotal:     rec.FailuresTotal,
		lastGoodID:        rec.LastGoodCheckpointID,
	}
	ent.publish()
	return ent
}

func (e *entry) resetLineage() {
	e.lineage = ""
	e.lineageAttempts = 0
	e.lineageStrategies = nil
	e.awaitingSuccess = false
}

// Engine owns all sessions. Operations on one session are serialized;
// different sessions proceed in parallel.
type Engine struct {
	scorer    Scorer
	store     checkpoint.Store
	recoverer Recoverer
	notifier  Notifier
	cache     CacheReporter
	metrics   *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.RWMutex
	sessions map[string]*entry
	active   atomic.Int64

	statsMu  sync.Mutex
	outcomes map[models.FailureKind]map[models.RecoveryOutcome]int
}

// New creates an Engine.
func New(scorer Scorer, store checkpoint.Store, recoverer Recoverer, cfg Config, opts Options) (*Engine, error) {
	if scorer == nil || store == nil || recoverer == nil {
		return nil, fmt.Errorf("session engine requires a scorer, a checkpoint store and a recoverer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		scorer:    scorer,
		store:     store,
		recoverer: recoverer,
		notifier:  opts.Notifier,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		cfg:       cfg,
		sessions:  make(map[string]*entry),
		outcomes:  make(map[models.FailureKind]map[models.RecoveryOutcome]int),
	}, nil
}

// Reconfigure swaps the convergence settings for subsequent iterations.
func (e *Engine) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	log.Printf("[Session] Reconfigured: threshold=%.2f consecutive=%d", cfg.ConvergenceThreshold, cfg.ConsecutiveRequired)
	return nil
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Submit runs one iteration: score the candidates, advance the session,
// checkpoint, and check for convergence. A session converges once the top
// score reaches the threshold on ConsecutiveRequired iterations in a row and
// no decomposed sub-tasks remain.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.Submit")
	defer span.End()

	if err := in.Request.Validate(); err != nil {
		return SubmitResult{}, err
	}
	ent, err := e.resolve(ctx, in)
	if err != nil {
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("session.id", ent.id))

	ent.mu.Lock()
	defer ent.mu.Unlock()
	defer e.persist(ctx, ent)
	s := ent.session

	if reason := ent.abortRequested.Load(); reason != nil && !s.Status.IsTerminal() {
		e.abortLocked(ent, *reason)
	}
	if s.Status.IsTerminal() {
		return SubmitResult{SessionID: ent.id, Iteration: s.State.Iteration, Status: s.Status},
			fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, ent.id, s.Status)
	}

	req := in.Request
	var subTask *models.SubTask
	if len(s.PendingSubTasks) > 0 {
		st := s.PendingSubTasks[0]
		subTask = &st
		req.Prompt = st.Prompt
	}

	iteration := s.State.Iteration + 1
	sc := &scoring.SessionContext{
		Iteration:    iteration,
		Artifact:     in.Artifact,
		PreviousTags: s.State.Tags,
	}
	if s.State.LastScore != nil {
		prevTop := s.State.LastScore.Total
		sc.PreviousTopScore = &prevTop
		sc.PreviousCandidateID = s.State.LastScore.CandidateID
	}

	scores, err := e.scorer.Score(ctx, req, in.Candidates, sc)
	result := SubmitResult{
		SessionID: ent.id,
		Iteration: s.State.Iteration,
		Status:    s.Status,
		Scores:    scores,
		SubTask:   subTask,
	}
	if err != nil {
		return result, fmt.Errorf("failed to score iteration %d of session %s: %w", iteration, ent.id, err)
	}
	if len(scores) == 0 {
		return result, nil
	}

	cfg := e.config()
	top := scores[0]

	if s.Progressive {
		if _, err := e.checkpoint(ctx, ent, models.CheckpointAuto, s.State.WithScore(top, top.Tags)); err != nil {
			return result, err
		}
	}

	next := s.State.WithIteration(iteration).WithScore(top, top.Tags)
	if in.Artifact != "" {
		if s.State.Artifact != "" {
			result.Drift = patterns.Drift(s.State.Artifact, in.Artifact)
			result.Divergent = result.Drift > cfg.DivergenceThreshold
		}
		next = next.WithArtifact(in.Artifact)
	}

	cp, err := e.checkpoint(ctx, ent, models.CheckpointAuto, next)
	if err != nil {
		return result, err
	}

	now := time.Now()
	s.State = next
	s.Request = in.Request
	s.UpdatedAt = now
	if subTask != nil {
		s.PendingSubTasks = append([]models.SubTask(nil), s.PendingSubTasks[1:]...)
	}
	ent.lastGoodID = cp.ID
	if ent.awaitingSuccess {
		ent.resetLineage()
	}

	if top.Total >= cfg.ConvergenceThreshold && !result.Divergent {
		s.StableStreak++
	} else {
		s.StableStreak = 0
	}

	rec := models.IterationRecord{
		Iteration:    iteration,
		CandidateID:  top.CandidateID,
		TopScore:     top.Total,
		Scores:       cloneScores(scores),
		CheckpointID: cp.ID,
		RecordedAt:   now,
	}
	if subTask != nil {
		rec.SubTask = subTask.Prompt
	}
	if result.Divergent {
		kind := models.FailureDivergent
		rec.Failure = &kind
		log.Printf("[Session] Session %s iteration %d drifted %.2f from the previous artifact", ent.id, iteration, result.Drift)
	}
	appendHistory(s, rec, cfg.HistoryLimit)

	result.Iteration = iteration
	result.CheckpointID = cp.ID

	if s.StableStreak >= cfg.ConsecutiveRequired && len(s.PendingSubTasks) == 0 {
		stable, err := e.checkpoint(ctx, ent, models.CheckpointStable, s.State)
		if err != nil {
			ent.publish()
			return result, fmt.Errorf("failed to record stable checkpoint: %w", err)
		}
		e.transition(ent, models.SessionStatusConverged)
		result.Converged = true
		result.StableCheckpointID = stable.ID
		e.notify(eventbus.EventTypeSessionConverged, ent.id, stable.ID, map[string]interface{}{
			"iteration": iteration,
			"top_score": top.Total,
			"candidate": top.CandidateID,
		})
	}
	result.Status = s.Status
	ent.publish()

	e.notify(eventbus.EventTypeIterationCompleted, ent.id, top.CandidateID, map[string]interface{}{
		"iteration":  iteration,
		"top_score":  top.Total,
		"confidence": string(top.Confidence),
		"drift":      result.Drift,
		"divergent":  result.Divergent,
	})
	telemetry.Meters().RecordIteration(ctx, string(s.Status), top.Total)
	return result, nil
}

// Fail reports a failed iteration. The engine classifies cause, builds the
// failure context from session history and applies the strategist's
// verdict: RECOVERED resumes as ACTIVE from the restored checkpoint,
// ABORTED ends the session, and ESCALATED leaves it ACTIVE and unchanged.
func (e *Engine) Fail(ctx context.Context, sessionID string, cause error) (models.RecoveryResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if cause == nil {
		return models.RecoveryResult{}, models.NewValidationError("cause", "must not be nil")
	}
	ent, ok := e.lookup(ctx, sessionID)
	if !ok {
		return models.RecoveryResult{}, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	s := ent.session
	if s.Status.IsTerminal() {
		return models.RecoveryResult{}, fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, sessionID, s.Status)
	}

	kind := recovery.Classify(cause)
	if ent.lineage == "" {
		ent.lineage = uuid.New().String()
	}
	attempt := ent.lineageAttempts + 1
	fc := models.FailureContext{
		Kind:                 kind,
		Iteration:            s.State.Iteration,
		LastGoodCheckpointID: ent.lastGoodID,
		PriorSameKind:        ent.failuresByKind[kind],
		PriorAny:             ent.failuresTotal,
		Lineage:              ent.lineage,
		AttemptedStrategies:  append([]models.Strategy(nil), ent.lineageStrategies...),
		Message:              cause.Error(),
	}

	e.transition(ent, models.SessionStatusRecovering)
	ent.publish()

	res, err := e.recoverer.Recover(ctx, recovery.Request{
		SessionID: sessionID,
		Failure:   fc,
		Attempt:   attempt,
		State:     s.State,
		Prompt:    s.Request.Prompt,
	})

	if ent.failuresByKind == nil {
		ent.failuresByKind = make(map[models.FailureKind]int)
	}
	ent.failuresByKind[kind]++
	ent.failuresTotal++
	ent.lineageAttempts = attempt
	ent.lineageStrategies = append(ent.lineageStrategies, res.Strategy)
	ent.awaitingSuccess = true

	now := time.Now()
	s.UpdatedAt = now
	s.Recoveries = append(s.Recoveries, res.RecoveryResult)
	if len(s.Recoveries) > maxRecoveries {
		s.Recoveries = append([]models.RecoveryResult(nil), s.Recoveries[len(s.Recoveries)-maxRecoveries:]...)
	}
	appendHistory(s, models.IterationRecord{
		Iteration:    s.State.Iteration,
		CheckpointID: res.PreRecoveryID,
		Failure:      &kind,
		RecordedAt:   now,
	}, e.config().HistoryLimit)

	switch res.Outcome {
	case models.OutcomeRecovered:
		s.State = res.Restored.Clone()
		s.StableStreak = 0
		if res.Progressive {
			s.Progressive = true
		}
		if len(res.SubTasks) > 0 {
			s.PendingSubTasks = append([]models.SubTask(nil), res.SubTasks...)
		}
		ent.lastGoodID = res.CheckpointID
		e.transition(ent, models.SessionStatusActive)
	case models.OutcomeAborted:
		e.transition(ent, models.SessionStatusAborted)
	default:
		e.transition(ent, models.SessionStatusActive)
	}
	e.recordOutcome(kind, res.Outcome)
	ent.publish()
	e.persist(ctx, ent)

	e.notify(eventbus.EventTypeRecoveryInvoked, sessionID, res.CheckpointID, map[string]interface{}{
		"kind":      string(kind),
		"strategy":  string(res.Strategy),
		"outcome":   string(res.Outcome),
		"attempt":   attempt,
		"lineage":   fc.Lineage,
		"sub_tasks": len(res.SubTasks),
	})
	if res.Outcome == models.OutcomeAborted {
		e.notify(eventbus.EventTypeSessionAborted, sessionID, res.PreRecoveryID, map[string]interface{}{
			"reason":   "recovery attempts exhausted",
			"lineage":  fc.Lineage,
			"attempts": attempt - 1,
		})
	}
	return res.RecoveryResult, err
}

// Abort ends a session. An iteration already in flight finishes first; the
// abort takes effect at that boundary.
func (e *Engine) Abort(ctx context.Context, sessionID, reason string) (models.Session, error) {
	ent, ok := e.lookup(ctx, sessionID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if reason == "" {
		reason = "aborted by request"
	}
	if snap := ent.snap.Load(); snap != nil && snap.Status.IsTerminal() {
		return *snap, fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, sessionID, snap.Status)
	}
	ent.abortRequested.Store(&reason)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.session.Status.IsTerminal() {
		return ent.session.Snapshot(), fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, sessionID, ent.session.Status)
	}
	e.abortLocked(ent, reason)
	e.persist(ctx, ent)
	return ent.session.Snapshot(), nil
}

func (e *Engine) abortLocked(ent *entry, reason string) {
	ent.session.UpdatedAt = time.Now()
	e.transition(ent, models.SessionStatusAborted)
	ent.publish()
	e.notify(eventbus.EventTypeSessionAborted, ent.id, "", map[string]interface{}{"reason": reason})
}

// RecordOutcome feeds an observed result back into the heuristic baselines.
func (e *Engine) RecordOutcome(ctx context.Context, sessionID, candidateID string, observedScore, observedQuality float64) error {
	if sessionID != "" {
		if _, ok := e.lookup(ctx, sessionID); !ok {
			return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
		}
	}
	return e.scorer.RecordOutcome(candidateID, observedScore, observedQuality)
}

// Get returns a snapshot of a session. It never waits for an iteration in flight.
func (e *Engine) Get(sessionID string) (models.Session, error) {
	ent, ok := e.lookup(context.Background(), sessionID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return ent.snap.Load().Snapshot(), nil
}

// Sessions returns snapshots of every session, oldest first.
func (e *Engine) Sessions() []models.Session {
	e.mu.RLock()
	out := make([]models.Session, 0, len(e.sessions))
	for _, ent := range e.sessions {
		out = append(out, ent.snap.Load().Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Checkpoints lists a session's checkpoint trail.
func (e *Engine) Checkpoints(ctx context.Context, sessionID string, f checkpoint.Filter) ([]models.Checkpoint, error) {
	if _, ok := e.lookup(ctx, sessionID); !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return e.store.List(ctx, sessionID, f)
}

// Statistics reports cache contents, live sessions and recovery outcomes.
func (e *Engine) Statistics(ctx context.Context) Statistics {
	st := Statistics{
		CacheEntries:           []review.CacheEntry{},
		SessionsActive:         int(e.active.Load()),
		RecoveryOutcomesByKind: make(map[models.FailureKind]map[models.RecoveryOutcome]int),
	}
	if e.cache != nil {
		st.CacheEntries = e.cache.CacheEntries(ctx)
		st.CacheSize = len(st.CacheEntries)
	}

	e.mu.RLock()
	st.SessionsTotal = len(e.sessions)
	e.mu.RUnlock()

	e.statsMu.Lock()
	for kind, byOutcome := range e.outcomes {
		m := make(map[models.RecoveryOutcome]int, len(byOutcome))
		for o, n := range byOutcome {
			m[o] = n
		}
		st.RecoveryOutcomesByKind[kind] = m
	}
	e.statsMu.Unlock()

	if cs, err := e.store.Stats(ctx); err == nil {
		st.Checkpoints = &cs
	} else {
		log.Printf("[Session] Checkpoint stats unavailable: %v", err)
	}
	return st
}

// Restore loads every session saved in the checkpoint store that this
// engine does not already hold, and reports how many were added.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.store.Sessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list saved sessions: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, added := e.adopt(rec); added {
			n++
		}
	}
	if n > 0 {
		log.Printf("[Session] Restored %d session(s) from the checkpoint store", n)
	}
	return n, nil
}

// lookup returns the live entry for sessionID, loading a saved session from
// the store when this engine has not seen it yet.
func (e *Engine) lookup(ctx context.Context, sessionID string) (*entry, bool) {
	if sessionID == "" {
		return nil, false
	}
	e.mu.RLock()
	ent, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return ent, true
	}

	rec, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			log.Printf("[Session] Failed to load session %s: %v", sessionID, err)
		}
		return nil, false
	}
	ent, _ = e.adopt(rec)
	return ent, true
}

// adopt registers a saved session unless another caller got there first.
func (e *Engine) adopt(rec checkpoint.SessionRecord) (*entry, bool) {
	ent := entryFromRecord(rec)
	e.mu.Lock()
	if existing, ok := e.sessions[ent.id]; ok {
		e.mu.Unlock()
		return existing, false
	}
	e.sessions[ent.id] = ent
	e.mu.Unlock()

	if !ent.session.Status.IsTerminal() {
		e.metrics.SetSessionsActive(int(e.active.Add(1)))
	}
	return ent, true
}

// persist saves ent to the store. Must hold ent.mu.
func (e *Engine) persist(ctx context.Context, ent *entry) {
	if err := e.store.SaveSession(context.WithoutCancel(ctx), ent.record()); err != nil {
		log.Printf("[Session] Failed to save session %s: %v", ent.id, err)
	}
}

func (e *Engine) resolve(ctx context.Context, in SubmitInput) (*entry, error) {
	if in.SessionID != "" {
		ent, ok := e.lookup(ctx, in.SessionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, in.SessionID)
		}
		return ent, nil
	}

	id := uuid.New().String()
	if err := e.store.RegisterSession(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	now := time.Now()
	ent := &entry{
		id: id,
		session: &models.Session{
			ID:        id,
			Request:   in.Request,
			Status:    models.SessionStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
		failuresByKind: make(map[models.FailureKind]int),
	}
	ent.publish()
	if err := e.store.SaveSession(ctx, ent.record()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	e.mu.Lock()
	e.sessions[id] = ent
	e.mu.Unlock()

	e.metrics.SetSessionsActive(int(e.active.Add(1)))
	e.metrics.RecordSessionTransition("NEW", string(models.SessionStatusActive))
	e.notify(eventbus.EventTypeSessionCreated, id, in.Request.ID, map[string]interface{}{
		"request_type": in.Request.Type,
	})
	log.Printf("[Session] Created session %s for request %s", id, in.Request.ID)
	return ent, nil
}

// checkpoint persists state for ent and announces it. Must hold ent.mu.
func (e *Engine) checkpoint(ctx context.Context, ent *entry, typ models.CheckpointType, state models.SessionState) (models.Checkpoint, error) {
	cp, err := e.store.Create(ctx, ent.id, typ, state)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to create %s checkpoint for session %s: %w", typ, ent.id, err)
	}
	e.notify(eventbus.EventTypeCheckpointCreated, ent.id, cp.ID, map[string]interface{}{
		"type":      string(cp.Type),
		"sequence":  cp.Sequence,
		"iteration": state.Iteration,
	})
	return cp, nil
}

// transition moves ent to status. Must hold ent.mu.
func (e *Engine) transition(ent *entry, to models.SessionStatus) {
	from := ent.session.Status
	if from == to {
		return
	}
	ent.session.Status = to
	e.metrics.RecordSessionTransition(string(from), string(to))
	if to.IsTerminal() && !from.IsTerminal() {
		e.metrics.SetSessionsActive(int(e.active.Add(-1)))
		log.Printf("[Session] Session %s is %s after iteration %d", ent.id, to, ent.session.State.Iteration)
	}
}

func (e *Engine) recordOutcome(kind models.FailureKind, outcome models.RecoveryOutcome) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if e.outcomes[kind] == nil {
		e.outcomes[kind] = make(map[models.RecoveryOutcome]int)
	}
	e.outcomes[kind][outcome]++
}

func (e *Engine) notify(eventType eventbus.EventType, sessionID, entityID string, data map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.PublishSessionEvent(eventType, sessionID, entityID, data); err != nil {
		log.Printf("[Session] Failed to publish %s for session %s: %v", eventType, sessionID, err)
	}
}

func appendHistory(s *models.Session, rec models.IterationRecord, limit int) {
	s.History = append(s.History, rec)
	if limit > 0 && len(s.History) > limit {
		s.History = append([]models.IterationRecord(nil), s.History[len(s.History)-limit:]...)
	}
}

func cloneScores(in []models.ScoreResult) []models.ScoreResult {
	out := make([]models.ScoreResult, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
