package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jordanhubbard/converge/pkg/models"
)

// Classify maps a session failure to the kind recovery selection works on.
func Classify(err error) models.FailureKind {
	if err == nil {
		return models.FailureUnknown
	}
	switch {
	case errors.Is(err, models.ErrDivergent):
		return models.FailureDivergent
	case errors.Is(err, models.ErrStructural), models.IsValidation(err):
		return models.FailureStructural
	case errors.Is(err, models.ErrReviewTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailureTransient
	}

	msg := strings.ToLower(err.Error())
	if isTransient(msg) {
		return models.FailureTransient
	}
	if isStructural(msg) {
		return models.FailureStructural
	}
	return models.FailureUnknown
}

// isTransient checks if the given error message indicates an infrastructure
// problem that is expected to clear on its own.
func isTransient(errMsg string) bool {
	// Connection/network errors
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "context deadline exceeded") ||
		strings.Contains(errMsg, "dial tcp") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "i/o timeout") ||
		strings.Contains(errMsg, "timed out") {
		return true
	}
	// HTTP status code errors (rate limits, server errors)
	if strings.Contains(errMsg, "status code 429") ||
		strings.Contains(errMsg, "status code 500") ||
		strings.Contains(errMsg, "status code 502") ||
		strings.Contains(errMsg, "status code 503") ||
		strings.Contains(errMsg, "status code 504") {
		return true
	}
	return strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "quota exceeded") ||
		strings.Contains(errMsg, "temporarily unavailable")
}

func isStructural(errMsg string) bool {
	return strings.Contains(errMsg, "syntax error") ||
		strings.Contains(errMsg, "parse error") ||
		strings.Contains(errMsg, "context length") ||
		strings.Contains(errMsg, "too large") ||
		strings.Contains(errMsg, "incomplete output") ||
		strings.Contains(errMsg, "malformed")
}
