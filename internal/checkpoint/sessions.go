package checkpoint

import (
	"context"
	"fmt"
	"sort"

	"github.com/jordanhubbard/converge/pkg/models"
)

// SessionRecord is the durable form of a session: its public state plus the
// failure bookkeeping recovery decisions depend on.
type SessionRecord struct {
	Session models.Session `json:"session"`

	Lineage              string                     `json:"lineage,omitempty"`
	LineageAttempts      int                        `json:"lineage_attempts"`
	LineageStrategies    []models.Strategy          `json:"lineage_strategies,omitempty"`
	AwaitingSuccess      bool                       `json:"awaiting_success"`
	FailuresByKind       map[models.FailureKind]int `json:"failures_by_kind,omitempty"`
	FailuresTotal        int                        `json:"failures_total"`
	LastGoodCheckpointID string                     `json:"last_good_checkpoint_id,omitempty"`
}

// Clone returns a deep copy of r.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.Session = r.Session.Snapshot()
	out.LineageStrategies = append([]models.Strategy(nil), r.LineageStrategies...)
	out.FailuresByKind = make(map[models.FailureKind]int, len(r.FailuresByKind))
	for k, n := range r.FailuresByKind {
		out.FailuresByKind[k] = n
	}
	return out
}

func sessionNotFound(sessionID string) error {
	return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
}

func (s *MemoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	id := rec.Session.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return unknownSession(id)
	}
	c := rec.Clone()
	sess.record = &c
	return nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.record == nil {
		return SessionRecord{}, sessionNotFound(sessionID)
	}
	return sess.record.Clone(), nil
}

func (s *MemoryStore) Sessions(ctx context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.record != nil {
			out = append(out, sess.record.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt) })
	return out, nil
}
