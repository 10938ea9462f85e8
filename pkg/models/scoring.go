package models

// Severity grades how strongly a detected pattern matters
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// PatternTag is a qualitative label attached to an artifact
type PatternTag struct {
	Tag         string   `json:"tag"`
	Severity    Severity `json:"severity"`
	Weight      float64  `json:"weight"`
	AntiPattern bool     `json:"anti_pattern"`
}

// Candidate is one routable execution backend being scored.
// Supplied by the caller per scoring call; never persisted.
type Candidate struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	CostPerUnit  float64  `json:"cost_per_unit"`
	Healthy      bool     `json:"healthy"`
	CurrentLoad  int      `json:"current_load"`
	MaxLoad      int      `json:"max_load"`
	Affinities   []string `json:"affinities,omitempty"`
}

// Validate checks the candidate fields the scorer depends on.
func (c Candidate) Validate() error {
	if c.ID == "" {
		return NewValidationError("candidate.id", "must not be empty")
	}
	if c.AvgLatencyMs < 0 {
		return NewValidationError("candidate.avg_latency_ms", "must not be negative")
	}
	if c.CostPerUnit < 0 {
		return NewValidationError("candidate.cost_per_unit", "must not be negative")
	}
	if c.MaxLoad < 0 || c.CurrentLoad < 0 {
		return NewValidationError("candidate.load", "must not be negative")
	}
	return nil
}

// HasAffinity reports whether the candidate declares strength for requestType.
func (c Candidate) HasAffinity(requestType string) bool {
	for _, a := range c.Affinities {
		if a == requestType {
			return true
		}
	}
	return false
}

// Confidence expresses how much evidence backs a score
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// ScoreBreakdown holds the normalized components of a total score
type ScoreBreakdown struct {
	QualityEstimate   float64 `json:"quality_estimate"`
	LatencyNormalized float64 `json:"latency_normalized"`
	CostNormalized    float64 `json:"cost_normalized"`
	PatternAdjustment float64 `json:"pattern_adjustment"`
}

// ScoreResult is the ranked outcome for a single candidate
type ScoreResult struct {
	CandidateID    string         `json:"candidate_id"`
	Total          float64        `json:"total"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Confidence     Confidence     `json:"confidence"`
	Recommendation string         `json:"recommendation"`
	ReviewUsed     bool           `json:"review_used"`
	Tags           []PatternTag   `json:"tags,omitempty"`
}

// Clone returns a deep copy of the result.
func (r ScoreResult) Clone() ScoreResult {
	out := r
	if r.Tags != nil {
		out.Tags = append([]PatternTag(nil), r.Tags...)
	}
	return out
}

// ReviewResult is an external quality assessment of an artifact
type ReviewResult struct {
	QualityEstimate float64  `json:"quality_estimate"` // 0-100
	Findings        []string `json:"findings,omitempty"`
	Cached          bool     `json:"cached"`
}
