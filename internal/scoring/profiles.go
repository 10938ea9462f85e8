package scoring

import "github.com/jordanhubbard/converge/pkg/config"

// Profile is the static strength profile of a known candidate
type Profile struct {
	CandidateID string
	BaseQuality float64
	// Strengths lists request types the candidate is known to do well.
	Strengths   []string
	Description string
}

func (p Profile) strongAt(requestType string) bool {
	for _, s := range p.Strengths {
		if s == requestType {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the built-in strength profiles.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			CandidateID: "claude-opus-4-5",
			BaseQuality: 0.92,
			Strengths:   []string{"architecture", "api", "refactor"},
			Description: "Excellent for architecture and robust code design",
		},
		{
			CandidateID: "claude-sonnet-4-5",
			BaseQuality: 0.85,
			Strengths:   []string{"api", "feature"},
			Description: "Good for pragmatic, maintainable implementations",
		},
		{
			CandidateID: "mistral-large",
			BaseQuality: 0.80,
			Strengths:   []string{"architecture"},
			Description: "Strong on architecture and error handling",
		},
		{
			CandidateID: "xai-grok",
			BaseQuality: 0.70,
			Strengths:   []string{"bugfix"},
			Description: "Good for quick iterations, less robust long-term",
		},
	}
}

// ProfilesFromConfig converts configured profiles, falling back to the
// built-in set when none are configured.
func ProfilesFromConfig(in []config.StrengthProfile) []Profile {
	if len(in) == 0 {
		return DefaultProfiles()
	}
	out := make([]Profile, 0, len(in))
	for _, p := range in {
		out = append(out, Profile{
			CandidateID: p.CandidateID,
			BaseQuality: p.BaseQuality,
			Strengths:   append([]string(nil), p.Strengths...),
			Description: p.Description,
		})
	}
	return out
}

// ConfigFrom builds a scorer configuration from the service configuration.
func ConfigFrom(c *config.Config) Config {
	out := DefaultConfig()
	out.Weights = c.Scoring.Weights
	if c.Scoring.MaxLatencyReference > 0 {
		out.MaxLatencyReference = c.Scoring.MaxLatencyReference
	}
	if c.Scoring.MaxCostReference > 0 {
		out.MaxCostReference = c.Scoring.MaxCostReference
	}
	if c.Scoring.HighConfidenceMinContinuity > 0 {
		out.Confidence.HighMinContinuity = c.Scoring.HighConfidenceMinContinuity
	}
	out.Profiles = ProfilesFromConfig(c.Profiles)
	return out
}
