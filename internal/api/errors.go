package api

import (
	"errors"
	"net/http"

	"github.com/jordanhubbard/converge/pkg/models"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionTerminal):
		return http.StatusConflict
	case errors.Is(err, models.ErrReviewTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err with the status statusFor assigns.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

// failureCause rebuilds a reported failure as an error the engine can
// classify. An explicit kind wins over message-based classification.
func failureCause(kind models.FailureKind, message string) error {
	if message == "" {
		message = "iteration failed"
	}
	var sentinel error
	switch kind {
	case models.FailureTransient:
		sentinel = models.ErrReviewTimeout
	case models.FailureDivergent:
		sentinel = models.ErrDivergent
	case models.FailureStructural:
		sentinel = models.ErrStructural
	default:
		return errors.New(message)
	}
	return &reportedFailure{message: message, kind: sentinel}
}

type reportedFailure struct {
	message string
	kind    error
}

func (f *reportedFailure) Error() string { return f.message }
func (f *reportedFailure) Unwrap() error { return f.kind }
