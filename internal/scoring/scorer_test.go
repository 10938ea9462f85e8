package scoring

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/converge/pkg/config"
	"github.com/jordanhubbard/converge/pkg/models"
)

// fixedReviewer returns a preset quality (0-100) per candidate; missing
// candidates get err.
type fixedReviewer struct {
	quality map[string]float64
	err     error
}

func (f fixedReviewer) Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
	q, ok := f.quality[candidateID]
	if !ok {
		return models.ReviewResult{}, f.err
	}
	return models.ReviewResult{QualityEstimate: q}, nil
}

func newScorer(t *testing.T, r Reviewer) *Scorer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Profiles = nil
	s, err := New(r, cfg, nil)
	require.NoError(t, err)
	return s
}

func ptr(f float64) *float64 { return &f }

func TestScore_FastCheapHighQualityWins(t *testing.T) {
	s := newScorer(t, fixedReviewer{quality: map[string]float64{"X": 90, "Y": 50}})
	candidates := []models.Candidate{
		{ID: "Y", AvgLatencyMs: 5000, CostPerUnit: 20, Healthy: true},
		{ID: "X", AvgLatencyMs: 500, CostPerUnit: 1, Healthy: true},
	}

	results, err := s.Score(context.Background(), models.GenerationRequest{ID: "r1", Prompt: "build it"}, candidates, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "X", results[0].CandidateID)
	assert.Greater(t, results[0].Total, results[1].Total)
	assert.InDelta(t, 0.9, results[0].Breakdown.QualityEstimate, 1e-9)
	assert.InDelta(t, 0.9, results[0].Breakdown.LatencyNormalized, 1e-9)
	assert.InDelta(t, 0.95, results[0].Breakdown.CostNormalized, 1e-9)
	assert.True(t, results[0].ReviewUsed)
	assert.Equal(t, models.ConfidenceMedium, results[0].Confidence)
}

func TestScore_EmptyCandidates(t *testing.T) {
	s := newScorer(t, nil)
	results, err := s.Score(context.Background(), models.GenerationRequest{ID: "r", Prompt: "p"}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestScore_InvalidCandidates(t *testing.T) {
	tests := []struct {
		name       string
		candidates []models.Candidate
	}{
		{"empty id", []models.Candidate{{ID: ""}}},
		{"negative latency", []models.Candidate{{ID: "a", AvgLatencyMs: -1}}},
		{"negative cost", []models.Candidate{{ID: "a", CostPerUnit: -0.5}}},
		{"duplicate id", []models.Candidate{{ID: "a"}, {ID: "a"}}},
	}
	s := newScorer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Score(context.Background(), models.GenerationRequest{ID: "r", Prompt: "p"}, tt.candidates, nil)
			require.Error(t, err)
			assert.True(t, models.IsValidation(err))
		})
	}
}

func TestScore_SortedAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	quality := make(map[string]float64)
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(8)
		candidates := make([]models.Candidate, n)
		for i := range candidates {
			id := fmt.Sprintf("c%d-%d", round, i)
			candidates[i] = models.Candidate{
				ID:           id,
				AvgLatencyMs: rng.Float64() * 8000,
				CostPerUnit:  rng.Float64() * 30,
				Healthy:      rng.Intn(4) != 0,
			}
			if rng.Intn(2) == 0 {
				quality[id] = rng.Float64() * 100
			}
		}
		s := newScorer(t, fixedReviewer{quality: quality, err: models.ErrReviewTimeout})
		sc := &SessionContext{Iteration: 2, Artifact: "if err != nil {\n\treturn err\n}", PreviousTopScore: ptr(rng.Float64())}

		results, err := s.Score(context.Background(), models.GenerationRequest{ID: "r", Type: "api", Prompt: "p"}, candidates, sc)
		require.NoError(t, err)
		require.Len(t, results, n)
		for _, r := range results {
			assert.GreaterOrEqual(t, r.Total, 0.0)
			assert.LessOrEqual(t, r.Total, 1.0)
		}
		assert.True(t, sort.SliceIsSorted(results, func(i, j int) bool {
			return results[i].Total > results[j].Total
		}), "round %d not sorted", round)
	}
}

func TestScore_TieBreaks(t *testing.T) {
	s := newScorer(t, fixedReviewer{quality: map[string]float64{"a": 50, "b": 50, "c": 50, "d": 50}})
	candidates := []models.Candidate{
		{ID: "d", AvgLatencyMs: 7000, CostPerUnit: 25, Healthy: true},
		{ID: "c", AvgLatencyMs: 6000, CostPerUnit: 25, Healthy: true},
		{ID: "b", AvgLatencyMs: 6000, CostPerUnit: 25, Healthy: true},
		{ID: "a", AvgLatencyMs: 9000, CostPerUnit: 21, Healthy: true},
	}
	results, err := s.Score(context.Background(), models.GenerationRequest{ID: "r", Prompt: "p"}, candidates, nil)
	require.NoError(t, err)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.CandidateID
	}
	// equal totals: lower cost, then lower latency, then id
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestScore_ReviewFailureFallsBackToHeuristic(t *testing.T) {
	s := newScorer(t, fixedReviewer{
		quality: map[string]float64{"reviewed": 80},
		err:     fmt.Errorf("review slow: %w", models.ErrReviewTimeout),
	})
	candidates := []models.Candidate{
		{ID: "reviewed", Healthy: true},
		{ID: "slow", Healthy: true, Affinities: []string{"architecture"}},
	}
	req := models.GenerationRequest{ID: "r", Type: "architecture", Prompt: "p"}

	results, err := s.Score(context.Background(), req, candidates, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]models.ScoreResult{}
	for _, r := range results {
		byID[r.CandidateID] = r
	}
	assert.True(t, byID["reviewed"].ReviewUsed)
	assert.False(t, byID["slow"].ReviewUsed)
	assert.InDelta(t, 0.65, byID["slow"].Breakdown.QualityEstimate, 1e-9)
	assert.Equal(t, models.ConfidenceLow, byID["slow"].Confidence)
}

func TestScore_UnhealthyHalved(t *testing.T) {
	s := newScorer(t, fixedReviewer{quality: map[string]float64{"up": 70, "down": 70}})
	candidates := []models.Candidate{
		{ID: "up", AvgLatencyMs: 1000, CostPerUnit: 2, Healthy: true},
		{ID: "down", AvgLatencyMs: 1000, CostPerUnit: 2, Healthy: false},
	}
	results, err := s.Score(context.Background(), models.GenerationRequest{ID: "r", Prompt: "p"}, candidates, nil)
	require.NoError(t, err)
	require.Equal(t, "up", results[0].CandidateID)
	assert.InDelta(t, results[0].Total*0.5, results[1].Total, 1e-9)
	assert.Contains(t, results[1].Recommendation, "unhealthy")
	assert.NotContains(t, results[0].Recommendation, "unhealthy")
}

func TestScore_ContextCancelled(t *testing.T) {
	blocking := ReviewerFunc(func(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
		<-ctx.Done()
		return models.ReviewResult{}, ctx.Err()
	})
	s := newScorer(t, blocking)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Score(ctx, models.GenerationRequest{ID: "r", Prompt: "p"}, []models.Candidate{{ID: "a", Healthy: true}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// ReviewerFunc adapts a function for tests
type ReviewerFunc func(ctx context.Context, text, candidateID string) (models.ReviewResult, error)

func (f ReviewerFunc) Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
	return f(ctx, text, candidateID)
}

func TestHeuristic(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(nil, cfg, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  models.GenerationRequest
		cand models.Candidate
		sc   *SessionContext
		want float64
	}{
		{"unknown candidate", models.GenerationRequest{}, models.Candidate{ID: "z"}, nil, 0.5},
		{"declared affinity", models.GenerationRequest{Type: "architecture"}, models.Candidate{ID: "z", Affinities: []string{"architecture"}}, nil, 0.65},
		{"low previous score", models.GenerationRequest{}, models.Candidate{ID: "z"}, &SessionContext{PreviousTopScore: ptr(0.4)}, 0.35},
		{"previous score fine", models.GenerationRequest{}, models.Candidate{ID: "z"}, &SessionContext{PreviousTopScore: ptr(0.7)}, 0.5},
		{"variety bonus", models.GenerationRequest{}, models.Candidate{ID: "z"}, &SessionContext{PreviousCandidateID: "y"}, 0.55},
		{"same candidate again", models.GenerationRequest{}, models.Candidate{ID: "z"}, &SessionContext{PreviousCandidateID: "z"}, 0.5},
		{"profile clamps high", models.GenerationRequest{Type: "architecture"}, models.Candidate{ID: "claude-opus-4-5"}, nil, 0.95},
		{"profile base", models.GenerationRequest{}, models.Candidate{ID: "xai-grok"}, nil, 0.70},
		{"very low previous score", models.GenerationRequest{}, models.Candidate{ID: "z"}, &SessionContext{PreviousTopScore: ptr(0.1)}, 0.35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Heuristic(tt.req, tt.cand, tt.sc), 1e-9)
		})
	}

	s2, err := New(nil, Config{
		Weights:             models.DefaultWeights(),
		MaxLatencyReference: 5000,
		MaxCostReference:    20,
		Confidence:          ConfidenceRule{HighMinContinuity: 2},
		Profiles:            []Profile{{CandidateID: "weak", BaseQuality: 0.1}},
	}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s2.Heuristic(models.GenerationRequest{}, models.Candidate{ID: "weak"}, nil), 1e-9)
}

func TestRecordOutcome_MovingAverage(t *testing.T) {
	s := newScorer(t, nil)
	require.NoError(t, s.RecordOutcome("z", 0.9, 1.0))
	assert.InDelta(t, 0.65, s.Baseline("z"), 1e-9)
	require.NoError(t, s.RecordOutcome("z", 0.9, 1.0))
	assert.InDelta(t, 0.755, s.Baseline("z"), 1e-9)
	assert.Equal(t, 2, s.OutcomeCount("z"))

	assert.InDelta(t, 0.755, s.Heuristic(models.GenerationRequest{}, models.Candidate{ID: "z"}, nil), 1e-9)

	assert.True(t, models.IsValidation(s.RecordOutcome("", 0.5, 0.5)))
	assert.True(t, models.IsValidation(s.RecordOutcome("z", 1.5, 0.5)))
	assert.True(t, models.IsValidation(s.RecordOutcome("z", 0.5, -0.1)))
}

func TestReconfigure(t *testing.T) {
	s := newScorer(t, nil)
	bad := DefaultConfig()
	bad.Weights = models.Weights{Quality: 1, Latency: 1}
	assert.Error(t, s.Reconfigure(bad))
	assert.Equal(t, models.DefaultWeights(), s.Config().Weights)

	good := DefaultConfig()
	good.Weights = models.Weights{Quality: 1}
	require.NoError(t, s.Reconfigure(good))
	assert.Equal(t, 1.0, s.Config().Weights.Quality)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCostReference = 0
	_, err := New(nil, cfg, nil)
	assert.True(t, models.IsValidation(err))
}

func TestConfidenceRule_Level(t *testing.T) {
	rule := ConfidenceRule{HighMinContinuity: 2}
	tests := []struct {
		reviewed   bool
		continuity int
		iteration  int
		want       models.Confidence
	}{
		{true, 2, 1, models.ConfidenceHigh},
		{true, 3, 5, models.ConfidenceHigh},
		{true, 1, 1, models.ConfidenceMedium},
		{false, 2, 1, models.ConfidenceMedium},
		{false, 0, 2, models.ConfidenceMedium},
		{false, 1, 1, models.ConfidenceLow},
		{false, 0, 0, models.ConfidenceLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rule.Level(tt.reviewed, tt.continuity, tt.iteration),
			"reviewed=%v continuity=%d iteration=%d", tt.reviewed, tt.continuity, tt.iteration)
	}
}

func TestPatternAdjustment(t *testing.T) {
	tag := func(w float64, anti bool) models.PatternTag { return models.PatternTag{Weight: w, AntiPattern: anti} }

	assert.InDelta(t, 0.25, PatternAdjustment([]models.PatternTag{tag(0.15, false), tag(0.10, false)}, nil), 1e-9)
	assert.InDelta(t, 0.3, PatternAdjustment([]models.PatternTag{tag(0.2, false), tag(0.2, false), tag(0.2, false)}, nil), 1e-9)
	assert.InDelta(t, -0.3, PatternAdjustment(nil, []models.PatternTag{tag(0.2, true), tag(0.2, true)}), 1e-9)
	assert.InDelta(t, 0.05, PatternAdjustment([]models.PatternTag{tag(0.15, false)}, []models.PatternTag{tag(0.10, true)}), 1e-9)
}

func TestTotal(t *testing.T) {
	w := models.DefaultWeights()
	full := models.ScoreBreakdown{QualityEstimate: 1, LatencyNormalized: 1, CostNormalized: 1, PatternAdjustment: 0.3}
	assert.InDelta(t, 0.895, Total(w, full), 1e-9)

	negative := models.ScoreBreakdown{QualityEstimate: 0.5, PatternAdjustment: -0.3}
	assert.InDelta(t, 0.225, Total(w, negative), 1e-9)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 1.0, Normalize(0, 5000))
	assert.InDelta(t, 0.5, Normalize(2500, 5000), 1e-9)
	assert.Equal(t, 0.0, Normalize(5000, 5000))
	assert.Equal(t, 0.0, Normalize(9000, 5000))
}

func TestRecommend(t *testing.T) {
	healthy := models.Candidate{ID: "a", Healthy: true}
	assert.True(t, strings.HasPrefix(Recommend(0.9, "", healthy), "Excellent"))
	assert.True(t, strings.HasPrefix(Recommend(0.7, "", healthy), "Good"))
	assert.True(t, strings.HasPrefix(Recommend(0.5, "", healthy), "Acceptable"))
	assert.True(t, strings.HasPrefix(Recommend(0.45, "", healthy), "Risky"))
	assert.Contains(t, Recommend(0.9, "Strong on architecture", healthy), "Strong on architecture")

	busy := models.Candidate{ID: "b", Healthy: true, CurrentLoad: 4, MaxLoad: 4}
	assert.Contains(t, Recommend(0.9, "", busy), "capacity")
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	out := ConfigFrom(cfg)
	require.NoError(t, out.Validate())
	assert.Equal(t, DefaultProfiles(), out.Profiles)
	assert.Equal(t, 2, out.Confidence.HighMinContinuity)

	cfg.Scoring.MaxLatencyReference = 0
	cfg.Scoring.HighConfidenceMinContinuity = 4
	cfg.Profiles = []config.StrengthProfile{{CandidateID: "local", BaseQuality: 0.6, Strengths: []string{"bugfix"}}}
	out = ConfigFrom(cfg)
	assert.Equal(t, DefaultConfig().MaxLatencyReference, out.MaxLatencyReference)
	assert.Equal(t, 4, out.Confidence.HighMinContinuity)
	require.Len(t, out.Profiles, 1)
	assert.Equal(t, "local", out.Profiles[0].CandidateID)
}
