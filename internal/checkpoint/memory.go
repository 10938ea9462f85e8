package checkpoint

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/pkg/models"
)

type memorySession struct {
	lastSequence int64
	ids          []string // ascending sequence
	record       *SessionRecord
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*memorySession
	byID      map[string]models.Checkpoint
	retention Retention
	metrics   *metrics.Metrics
	pruned    int64
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(r Retention, m *metrics.Metrics) *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*memorySession),
		byID:      make(map[string]models.Checkpoint),
		retention: r,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for checkpoint timestamps and age
// expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) RegisterSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session_id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = &memorySession{}
	}
	return nil
}

func (s *MemoryStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, sessionID string, typ models.CheckpointType, state models.SessionState) (models.Checkpoint, error) {
	if !typ.Valid() {
		return models.Checkpoint{}, models.NewValidationError("type", fmt.Sprintf("unknown checkpoint type %q", typ))
	}
	hash, err := models.HashState(state)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to hash checkpoint state: %w", err)
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.Checkpoint{}, unknownSession(sessionID)
	}
	sess.lastSequence++
	cp := models.Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sequence:  sess.lastSequence,
		Type:      typ,
		CreatedAt: s.now(),
		Hash:      hash,
		State:     state.Clone(),
	}
	if n := len(sess.ids); n > 0 {
		cp.ParentID = sess.ids[n-1]
	}
	s.byID[cp.ID] = cp
	sess.ids = append(sess.ids, cp.ID)
	s.mu.Unlock()

	s.metrics.RecordCheckpoint(string(typ))
	if s.retention.AutoPrune {
		if _, err := s.Prune(ctx, sessionID); err != nil {
			log.Printf("[Checkpoint] Auto-prune failed for session %s: %v", sessionID, err)
		}
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return models.Checkpoint{}, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, id)
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string, f Filter) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, unknownSession(sessionID)
	}
	return applyFilter(s.collect(sess), f), nil
}

func (s *MemoryStore) Latest(ctx context.Context, sessionID string, typ models.CheckpointType) (models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.Checkpoint{}, unknownSession(sessionID)
	}
	for i := len(sess.ids) - 1; i >= 0; i-- {
		cp := s.byID[sess.ids[i]]
		if typ == "" || cp.Type == typ {
			return cp.Clone(), nil
		}
	}
	return models.Checkpoint{}, fmt.Errorf("%w: no %s checkpoint for session %s", models.ErrCheckpointNotFound, latestLabel(typ), sessionID)
}

func (s *MemoryStore) Prune(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return 0, unknownSession(sessionID)
	}
	drop := prunable(s.collect(sess), s.retention, s.now())
	if len(drop) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	dropped := make(map[string]bool, len(drop))
	for _, id := range drop {
		dropped[id] = true
		delete(s.byID, id)
	}
	kept := sess.ids[:0]
	for _, id := range sess.ids {
		if !dropped[id] {
			kept = append(kept, id)
		}
	}
	sess.ids = kept
	s.pruned += int64(len(drop))
	s.mu.Unlock()

	s.metrics.RecordPruned(len(drop))
	log.Printf("[Checkpoint] Pruned %d checkpoint(s) from session %s", len(drop), sessionID)
	return len(drop), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Sessions: len(s.sessions),
		Total:    len(s.byID),
		ByType:   make(map[models.CheckpointType]int),
		Pruned:   s.pruned,
	}
	for _, cp := range s.byID {
		st.ByType[cp.Type]++
		if st.OldestAt.IsZero() || cp.CreatedAt.Before(st.OldestAt) {
			st.OldestAt = cp.CreatedAt
		}
		if cp.CreatedAt.After(st.NewestAt) {
			st.NewestAt = cp.CreatedAt
		}
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

// collect must be called with s.mu held.
func (s *MemoryStore) collect(sess *memorySession) []models.Checkpoint {
	out := make([]models.Checkpoint, 0, len(sess.ids))
	for _, id := range sess.ids {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func latestLabel(typ models.CheckpointType) string {
	if typ == "" {
		return "any"
	}
	return string(typ)
}
