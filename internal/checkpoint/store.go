package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/pkg/config"
	"github.com/jordanhubbard/converge/pkg/models"
)

// ErrCorrupt is returned when a stored payload no longer matches its hash.
var ErrCorrupt = errors.New("checkpoint payload hash mismatch")

// Store persists immutable, sequence-numbered session checkpoints.
//
// Sequences are assigned per session, start at 1 and never rewind, even after
// pruning removes the newest rows. Returned checkpoints are deep copies.
type Store interface {
	// RegisterSession makes sessionID known to the store. Idempotent.
	RegisterSession(ctx context.Context, sessionID string) error
	HasSession(ctx context.Context, sessionID string) (bool, error)

	// Create snapshots state as the next checkpoint of sessionID.
	// Unknown sessions yield a *models.ValidationError.
	Create(ctx context.Context, sessionID string, typ models.CheckpointType, state models.SessionState) (models.Checkpoint, error)
	// Get returns models.ErrCheckpointNotFound when id is absent.
	Get(ctx context.Context, id string) (models.Checkpoint, error)
	// List returns checkpoints ordered by ascending sequence.
	List(ctx context.Context, sessionID string, f Filter) ([]models.Checkpoint, error)
	// Latest returns the newest checkpoint, restricted to typ unless typ is empty.
	Latest(ctx context.Context, sessionID string, typ models.CheckpointType) (models.Checkpoint, error)
	// Prune enforces the retention policy and reports how many were removed.
	Prune(ctx context.Context, sessionID string) (int, error)
	Stats(ctx context.Context) (Stats, error)

	// SaveSession replaces the durable record of a registered session.
	SaveSession(ctx context.Context, rec SessionRecord) error
	// LoadSession returns models.ErrSessionNotFound when no record was saved.
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// Sessions returns every saved record, oldest first.
	Sessions(ctx context.Context) ([]SessionRecord, error)

	Close() error
}

// Filter narrows List results
type Filter struct {
	Type  models.CheckpointType
	Since time.Time
	// Limit keeps only the newest Limit matches. Zero means no limit.
	Limit int
}

func (f Filter) match(c models.Checkpoint) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Stats summarizes the store contents
type Stats struct {
	Sessions int                           `json:"sessions"`
	Total    int                           `json:"total"`
	ByType   map[models.CheckpointType]int `json:"by_type"`
	Pruned   int64                         `json:"pruned"`
	OldestAt time.Time                     `json:"oldest_at,omitempty"`
	NewestAt time.Time                     `json:"newest_at,omitempty"`
}

// Retention configures pruning
type Retention struct {
	MaxCheckpoints int
	// MaxAge expires checkpoints older than this. Zero disables age expiry.
	MaxAge    time.Duration
	AutoPrune bool
}

// DefaultRetention returns the default retention policy.
func DefaultRetention() Retention {
	return Retention{MaxCheckpoints: 20, MaxAge: 24 * time.Hour, AutoPrune: true}
}

// RetentionFromConfig converts the checkpoint configuration section.
func RetentionFromConfig(c config.CheckpointConfig) Retention {
	r := Retention{
		MaxCheckpoints: c.MaxCheckpoints,
		MaxAge:         c.MaxAge,
		AutoPrune:      c.AutoPrune,
	}
	if r.MaxCheckpoints <= 0 {
		r.MaxCheckpoints = DefaultRetention().MaxCheckpoints
	}
	return r
}

// Open creates the store selected by the database configuration.
func Open(cfg config.DatabaseConfig, r Retention, m *metrics.Metrics) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(r, m), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, r, m)
	case "postgres":
		return NewPostgresStore(cfg.DSN, r, m)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type %q", cfg.Type)
	}
}

// prunable returns the ids retention removes from cps, which must be sorted
// by ascending sequence.
//
// The most recent STABLE checkpoint is always kept, then the most recent
// restorable (non PRE_RECOVERY) checkpoint and the most recent checkpoint of
// any type. Remaining slots up to MaxCheckpoints go to the newest checkpoints
// that have not outlived MaxAge.
func prunable(cps []models.Checkpoint, r Retention, now time.Time) []string {
	if len(cps) == 0 {
		return nil
	}
	limit := r.MaxCheckpoints
	if limit <= 0 {
		limit = DefaultRetention().MaxCheckpoints
	}

	keep := make(map[string]bool, limit)
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Type == models.CheckpointStable {
			keep[cps[i].ID] = true
			break
		}
	}
	for i := len(cps) - 1; i >= 0 && len(keep) < limit; i-- {
		if cps[i].Type != models.CheckpointPreRecovery {
			keep[cps[i].ID] = true
			break
		}
	}
	if len(keep) < limit {
		keep[cps[len(cps)-1].ID] = true
	}
	for i := len(cps) - 1; i >= 0 && len(keep) < limit; i-- {
		c := cps[i]
		if keep[c.ID] {
			continue
		}
		if r.MaxAge > 0 && now.Sub(c.CreatedAt) > r.MaxAge {
			continue
		}
		keep[c.ID] = true
	}

	var drop []string
	for _, c := range cps {
		if !keep[c.ID] {
			drop = append(drop, c.ID)
		}
	}
	return drop
}

// applyFilter filters cps (ascending) and trims to the newest f.Limit.
func applyFilter(cps []models.Checkpoint, f Filter) []models.Checkpoint {
	out := make([]models.Checkpoint, 0, len(cps))
	for _, c := range cps {
		if f.match(c) {
			out = append(out, c)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func unknownSession(sessionID string) error {
	return models.NewValidationError("session_id", fmt.Sprintf("unknown session %q", sessionID))
}
