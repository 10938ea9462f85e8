// Package scoring ranks candidate backends for the next iteration of a session.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/internal/patterns"
	"github.com/jordanhubbard/converge/internal/telemetry"
	"github.com/jordanhubbard/converge/pkg/models"
)

const (
	defaultBaseQuality = 0.5
	affinityBonus      = 0.15
	lowScorePenalty    = 0.15
	lowScoreThreshold  = 0.6
	varietyBonus       = 0.05
	minHeuristic       = 0.2
	maxHeuristic       = 0.95
	patternClamp       = 0.3
	unhealthyFactor    = 0.5
	outcomeAlpha       = 0.3
)

// Reviewer is the review capability the scorer consumes.
// *review.Client satisfies it.
type Reviewer interface {
	Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error)
}

// ConfidenceRule sets the evidence needed for each confidence level.
type ConfidenceRule struct {
	// HighMinContinuity is the number of continuity tags that, together with
	// a successful review, yield HIGH confidence.
	HighMinContinuity int
}

// Config configures a Scorer
type Config struct {
	Weights             models.Weights
	MaxLatencyReference float64
	MaxCostReference    float64
	Confidence          ConfidenceRule
	Profiles            []Profile
}

// DefaultConfig returns the stock scoring configuration
func DefaultConfig() Config {
	return Config{
		Weights:             models.DefaultWeights(),
		MaxLatencyReference: 5000,
		MaxCostReference:    20,
		Confidence:          ConfidenceRule{HighMinContinuity: 2},
		Profiles:            DefaultProfiles(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.MaxLatencyReference <= 0 {
		return models.NewValidationError("scoring.max_latency_reference", "must be positive")
	}
	if c.MaxCostReference <= 0 {
		return models.NewValidationError("scoring.max_cost_reference", "must be positive")
	}
	if c.Confidence.HighMinContinuity < 1 {
		return models.NewValidationError("scoring.high_confidence_min_continuity", "must be at least 1")
	}
	return nil
}

// SessionContext carries what the scorer needs to know about the session's
// previous iteration. A nil *SessionContext means a fresh session.
type SessionContext struct {
	Iteration           int
	Artifact            string
	PreviousTags        []models.PatternTag
	PreviousTopScore    *float64
	PreviousCandidateID string
}

// outcomeStats accumulates recorded outcomes for one candidate
type outcomeStats struct {
	baseline  float64
	count     int
	lastScore float64
}

// Scorer computes ranked ScoreResults
type Scorer struct {
	reviewer Reviewer
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	cfg      Config
	profiles map[string]Profile
	outcomes map[string]*outcomeStats
}

// New creates a scorer. reviewer and m may be nil; without a reviewer every
// score uses the heuristic quality estimate.
func New(reviewer Reviewer, cfg Config, m *metrics.Metrics) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{
		reviewer: reviewer,
		metrics:  m,
		outcomes: make(map[string]*outcomeStats),
	}
	s.apply(cfg)
	return s, nil
}

func (s *Scorer) apply(cfg Config) {
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles[p.CandidateID] = p
	}
	s.cfg = cfg
	s.profiles = profiles
}

// Reconfigure swaps in a new configuration after validating it.
// Recorded outcomes are kept.
func (s *Scorer) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.apply(cfg)
	s.mu.Unlock()
	log.Printf("[Scorer] Weights updated: quality=%.2f latency=%.2f cost=%.2f pattern=%.2f",
		cfg.Weights.Quality, cfg.Weights.Latency, cfg.Weights.Cost, cfg.Weights.Pattern)
	return nil
}

// Config returns the active configuration
func (s *Scorer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Score scores every candidate concurrently and returns them ranked:
// total descending, then cost, latency and id ascending.
func (s *Scorer) Score(ctx context.Context, req models.GenerationRequest, candidates []models.Candidate, sc *SessionContext) ([]models.ScoreResult, error) {
	if len(candidates) == 0 {
		return []models.ScoreResult{}, nil
	}
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, models.NewValidationError("candidate.id", fmt.Sprintf("duplicate candidate %q", c.ID))
		}
		seen[c.ID] = true
	}

	ctx, span := telemetry.Tracer().Start(ctx, "scoring.score")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.Int("candidates", len(candidates)),
	)

	start := time.Now()
	text := req.Prompt
	var prior []models.PatternTag
	if sc != nil {
		if sc.Artifact != "" {
			text = sc.Artifact
		}
		prior = sc.PreviousTags
	}
	// Classification depends only on the artifact, so it is shared.
	classification := patterns.Classify(text, prior)

	results := make([]models.ScoreResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			r, err := s.scoreOne(gctx, req, cand, sc, text, classification)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	Rank(results, candidates)

	confidences := make([]string, len(results))
	for i, r := range results {
		confidences[i] = string(r.Confidence)
	}
	s.metrics.RecordScoring(time.Since(start), confidences)
	return results, nil
}

func (s *Scorer) scoreOne(ctx context.Context, req models.GenerationRequest, cand models.Candidate, sc *SessionContext, text string, cl patterns.Classification) (models.ScoreResult, error) {
	s.mu.RLock()
	cfg := s.cfg
	profile, hasProfile := s.profiles[cand.ID]
	s.mu.RUnlock()

	quality, reviewed := 0.0, false
	if s.reviewer != nil {
		rv, err := s.reviewer.Review(ctx, text, cand.ID)
		switch {
		case err == nil:
			quality, reviewed = rv.QualityEstimate/100, true
		case ctx.Err() != nil:
			return models.ScoreResult{}, fmt.Errorf("scoring %s: %w", cand.ID, ctx.Err())
		case errors.Is(err, models.ErrReviewTimeout):
			s.metrics.RecordHeuristicFallback("timeout")
		default:
			log.Printf("[Scorer] Review for %s failed, using heuristic: %v", cand.ID, err)
			s.metrics.RecordHeuristicFallback("error")
		}
	} else {
		s.metrics.RecordHeuristicFallback("no_reviewer")
	}
	if !reviewed {
		quality = s.Heuristic(req, cand, sc)
	}

	breakdown := models.ScoreBreakdown{
		QualityEstimate:   quality,
		LatencyNormalized: Normalize(cand.AvgLatencyMs, cfg.MaxLatencyReference),
		CostNormalized:    Normalize(cand.CostPerUnit, cfg.MaxCostReference),
		PatternAdjustment: PatternAdjustment(cl.Continuity, cl.AntiPatterns()),
	}
	total := Total(cfg.Weights, breakdown)
	if !cand.Healthy {
		total *= unhealthyFactor
	}

	iteration := 0
	if sc != nil {
		iteration = sc.Iteration
	}
	var description string
	if hasProfile {
		description = profile.Description
	}

	return models.ScoreResult{
		CandidateID:    cand.ID,
		Total:          total,
		Breakdown:      breakdown,
		Confidence:     cfg.Confidence.Level(reviewed, len(cl.Continuity), iteration),
		Recommendation: Recommend(total, description, cand),
		ReviewUsed:     reviewed,
		Tags:           append([]models.PatternTag(nil), cl.Tags...),
	}, nil
}

// Heuristic estimates quality in [0.2, 0.95] without an external review.
func (s *Scorer) Heuristic(req models.GenerationRequest, cand models.Candidate, sc *SessionContext) float64 {
	s.mu.RLock()
	profile, hasProfile := s.profiles[cand.ID]
	outcome := s.outcomes[cand.ID]
	s.mu.RUnlock()

	q := defaultBaseQuality
	if hasProfile {
		q = profile.BaseQuality
	}
	if outcome != nil {
		q = outcome.baseline
	}

	if req.Type != "" && (cand.HasAffinity(req.Type) || (hasProfile && profile.strongAt(req.Type))) {
		q += affinityBonus
	}
	if sc != nil {
		if sc.PreviousTopScore != nil && *sc.PreviousTopScore < lowScoreThreshold {
			q -= lowScorePenalty
		}
		if sc.PreviousCandidateID != "" && sc.PreviousCandidateID != cand.ID {
			q += varietyBonus
		}
	}
	return clamp(q, minHeuristic, maxHeuristic)
}

// RecordOutcome blends an observed quality into the candidate's heuristic
// baseline using an exponential moving average.
func (s *Scorer) RecordOutcome(candidateID string, observedScore, observedQuality float64) error {
	if candidateID == "" {
		return models.NewValidationError("candidate.id", "must not be empty")
	}
	if observedScore < 0 || observedScore > 1 || math.IsNaN(observedScore) {
		return models.NewValidationError("observed_score", "must be in [0, 1]")
	}
	if observedQuality < 0 || observedQuality > 1 || math.IsNaN(observedQuality) {
		return models.NewValidationError("observed_quality", "must be in [0, 1]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.outcomes[candidateID]
	if !ok {
		base := defaultBaseQuality
		if p, ok := s.profiles[candidateID]; ok {
			base = p.BaseQuality
		}
		st = &outcomeStats{baseline: base}
		s.outcomes[candidateID] = st
	}
	st.baseline = (1-outcomeAlpha)*st.baseline + outcomeAlpha*observedQuality
	st.count++
	st.lastScore = observedScore
	return nil
}

// Baseline returns the current heuristic baseline for a candidate
func (s *Scorer) Baseline(candidateID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.outcomes[candidateID]; ok {
		return st.baseline
	}
	if p, ok := s.profiles[candidateID]; ok {
		return p.BaseQuality
	}
	return defaultBaseQuality
}

// OutcomeCount returns how many outcomes were recorded for a candidate
func (s *Scorer) OutcomeCount(candidateID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.outcomes[candidateID]; ok {
		return st.count
	}
	return 0
}

// Level maps evidence to a confidence level.
func (r ConfidenceRule) Level(reviewed bool, continuity, iteration int) models.Confidence {
	enoughContinuity := continuity >= r.HighMinContinuity
	switch {
	case reviewed && enoughContinuity:
		return models.ConfidenceHigh
	case reviewed || enoughContinuity || iteration > 1:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// Normalize maps a latency or cost to [0, 1] where 1 is best.
func Normalize(value, reference float64) float64 {
	return clamp(1-value/reference, 0, 1)
}

// PatternAdjustment rewards continuity tags and penalizes anti-patterns,
// clamped to [-0.3, 0.3].
func PatternAdjustment(continuity, anti []models.PatternTag) float64 {
	adj := 0.0
	for _, t := range continuity {
		if !t.AntiPattern {
			adj += t.Weight
		}
	}
	for _, t := range anti {
		adj -= t.Weight
	}
	return clamp(adj, -patternClamp, patternClamp)
}

// Total combines a breakdown into a score in [0, 1]. Negative pattern
// adjustments do not reduce the total.
func Total(w models.Weights, b models.ScoreBreakdown) float64 {
	return clamp(
		w.Quality*b.QualityEstimate+
			w.Latency*b.LatencyNormalized+
			w.Cost*b.CostNormalized+
			w.Pattern*math.Max(0, b.PatternAdjustment),
		0, 1)
}

// Recommend renders the human-readable recommendation for a score.
func Recommend(total float64, description string, cand models.Candidate) string {
	var text string
	switch {
	case total > 0.85:
		text = "Excellent - high convergence expected"
	case total > 0.65:
		text = "Good - solid convergence expected"
	case total > 0.45:
		text = "Acceptable - monitor convergence"
	default:
		text = "Risky - consider alternatives"
	}
	if description != "" {
		text += " (" + description + ")"
	}
	if !cand.Healthy {
		text += "; warning: candidate unhealthy, score halved"
	}
	if cand.MaxLoad > 0 && cand.CurrentLoad >= cand.MaxLoad {
		text += "; warning: candidate at capacity"
	}
	return text
}

// Rank sorts results by total descending, then cost, latency and id
// ascending. candidates supplies cost and latency by id.
func Rank(results []models.ScoreResult, candidates []models.Candidate) {
	byID := make(map[string]models.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		ca, cb := byID[a.CandidateID], byID[b.CandidateID]
		if ca.CostPerUnit != cb.CostPerUnit {
			return ca.CostPerUnit < cb.CostPerUnit
		}
		if ca.AvgLatencyMs != cb.AvgLatencyMs {
			return ca.AvgLatencyMs < cb.AvgLatencyMs
		}
		return a.CandidateID < b.CandidateID
	})
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
