package models

import (
	"fmt"
	"math"
)

// Weights controls how the score components combine into a total.
// All weights must be non-negative and sum to 1.
type Weights struct {
	Quality float64 `yaml:"quality" json:"quality"`
	Latency float64 `yaml:"latency" json:"latency"`
	Cost    float64 `yaml:"cost" json:"cost"`
	Pattern float64 `yaml:"pattern" json:"pattern"`
}

// DefaultWeights returns the stock weighting: quality dominates, then latency,
// cost and pattern continuity.
func DefaultWeights() Weights {
	return Weights{Quality: 0.45, Latency: 0.22, Cost: 0.18, Pattern: 0.15}
}

const weightTolerance = 1e-6

// Validate enforces non-negative weights summing to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"quality": w.Quality,
		"latency": w.Latency,
		"cost":    w.Cost,
		"pattern": w.Pattern,
	} {
		if v < 0 || math.IsNaN(v) {
			return NewValidationError("weights."+name, "must be non-negative")
		}
	}
	sum := w.Quality + w.Latency + w.Cost + w.Pattern
	if math.Abs(sum-1) > weightTolerance {
		return NewValidationError("weights", fmt.Sprintf("must sum to 1, got %.4f", sum))
	}
	return nil
}
