package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/converge/internal/checkpoint"
	"github.com/jordanhubbard/converge/internal/session"
	"github.com/jordanhubbard/converge/pkg/models"
)

// SubmitRequest is the body of POST /api/v1/submit
type SubmitRequest struct {
	SessionID  string                   `json:"session_id,omitempty"`
	Request    models.GenerationRequest `json:"request"`
	Candidates []models.Candidate       `json:"candidates"`
	Artifact   string                   `json:"artifact,omitempty"`
}

// FailureRequest is the body of POST /api/v1/sessions/{id}/failures
type FailureRequest struct {
	Kind  models.FailureKind `json:"kind,omitempty"`
	Error string             `json:"error"`
}

// FailureResponse reports the recovery applied for a failure
type FailureResponse struct {
	models.RecoveryResult
	SessionStatus models.SessionStatus `json:"session_status"`
	Error         string               `json:"error,omitempty"`
}

// AbortRequest is the optional body of POST /api/v1/sessions/{id}/abort
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OutcomeRequest is the body of POST /api/v1/outcomes
type OutcomeRequest struct {
	SessionID       string  `json:"session_id,omitempty"`
	CandidateID     string  `json:"candidate_id"`
	ObservedScore   float64 `json:"observed_score"`
	ObservedQuality float64 `json:"observed_quality"`
}

// handleSubmit handles POST /api/v1/submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req SubmitRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := s.engine.Submit(r.Context(), session.SubmitInput{
		SessionID:  req.SessionID,
		Request:    req.Request,
		Candidates: req.Candidates,
		Artifact:   req.Artifact,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	status := http.StatusOK
	if req.SessionID == "" {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, res)
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	status := models.SessionStatus(r.URL.Query().Get("status"))
	out := make([]models.Session, 0)
	for _, sess := range s.engine.Sessions() {
		if status == "" || sess.Status == status {
			out = append(out, sess)
		}
	}
	s.respondJSON(w, http.StatusOK, out)
}

// handleSession dispatches /api/v1/sessions/{id}[/sub]
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, sub := splitSessionPath(r.URL.Path)
	if id == "" {
		s.respondError(w, http.StatusNotFound, "session id required")
		return
	}

	switch sub {
	case "":
		s.handleGetSession(w, r, id)
	case "failures":
		s.handleFailure(w, r, id)
	case "abort":
		s.handleAbort(w, r, id)
	case "checkpoints":
		s.handleCheckpoints(w, r, id)
	default:
		s.respondError(w, http.StatusNotFound, "unknown session resource: "+sub)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sess, err := s.engine.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

// handleFailure reports a failed iteration. A recovery that ran always
// answers 200 with its outcome, including ABORTED and ESCALATED.
func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req FailureRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := s.engine.Fail(r.Context(), id, failureCause(req.Kind, req.Error))
	if res.Outcome == "" {
		s.respondErr(w, err)
		return
	}
	resp := FailureResponse{RecoveryResult: res}
	if sess, getErr := s.engine.Get(id); getErr == nil {
		resp.SessionStatus = sess.Status
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req AbortRequest
	if r.ContentLength != 0 {
		if err := s.parseJSON(w, r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	sess, err := s.engine.Abort(r.Context(), id, req.Reason)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

// handleCheckpoints handles GET /api/v1/sessions/{id}/checkpoints?type=&since=&limit=
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	f := checkpoint.Filter{Type: models.CheckpointType(q.Get("type"))}
	if f.Type != "" && !f.Type.Valid() {
		s.respondError(w, http.StatusBadRequest, "unknown checkpoint type: "+string(f.Type))
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	cps, err := s.engine.Checkpoints(r.Context(), id, f)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if cps == nil {
		cps = []models.Checkpoint{}
	}
	s.respondJSON(w, http.StatusOK, cps)
}

// handleOutcome handles POST /api/v1/outcomes
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req OutcomeRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.engine.RecordOutcome(r.Context(), req.SessionID, req.CandidateID, req.ObservedScore, req.ObservedQuality); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatistics handles GET /api/v1/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Statistics(r.Context()))
}
