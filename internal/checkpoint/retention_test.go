package checkpoint

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordanhubbard/converge/pkg/models"
)

func trail(now time.Time, ages []time.Duration, types []models.CheckpointType) []models.Checkpoint {
	out := make([]models.Checkpoint, len(ages))
	for i, age := range ages {
		typ := models.CheckpointAuto
		if types != nil {
			typ = types[i]
		}
		out[i] = models.Checkpoint{
			ID:        fmt.Sprintf("cp%d", i+1),
			Sequence:  int64(i + 1),
			Type:      typ,
			CreatedAt: now.Add(-age),
		}
	}
	return out
}

func TestPrunable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := func(n int) []time.Duration {
		out := make([]time.Duration, n)
		for i := range out {
			out[i] = time.Duration(n-i) * time.Minute
		}
		return out
	}
	auto, stable := models.CheckpointAuto, models.CheckpointStable

	tests := []struct {
		name string
		cps  []models.Checkpoint
		r    Retention
		drop []string
	}{
		{
			name: "under limit",
			cps:  trail(now, fresh(3), nil),
			r:    Retention{MaxCheckpoints: 5, MaxAge: time.Hour},
		},
		{
			name: "drops oldest over limit",
			cps:  trail(now, fresh(5), nil),
			r:    Retention{MaxCheckpoints: 3, MaxAge: time.Hour},
			drop: []string{"cp1", "cp2"},
		},
		{
			name: "old stable survives count limit",
			cps:  trail(now, fresh(5), []models.CheckpointType{stable, auto, auto, auto, auto}),
			r:    Retention{MaxCheckpoints: 3, MaxAge: time.Hour},
			drop: []string{"cp2", "cp3"},
		},
		{
			name: "only most recent stable is pinned",
			cps:  trail(now, fresh(4), []models.CheckpointType{stable, stable, auto, auto}),
			r:    Retention{MaxCheckpoints: 2, MaxAge: time.Hour},
			drop: []string{"cp1", "cp3"},
		},
		{
			name: "age expiry",
			cps:  trail(now, []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour, time.Minute}, nil),
			r:    Retention{MaxCheckpoints: 10, MaxAge: 24 * time.Hour},
			drop: []string{"cp1", "cp2"},
		},
		{
			name: "expired stable is still kept",
			cps:  trail(now, []time.Duration{48 * time.Hour, 30 * time.Hour, time.Minute}, []models.CheckpointType{stable, auto, auto}),
			r:    Retention{MaxCheckpoints: 10, MaxAge: 24 * time.Hour},
			drop: []string{"cp2"},
		},
		{
			name: "latest kept even when expired",
			cps:  trail(now, []time.Duration{72 * time.Hour, 48 * time.Hour}, nil),
			r:    Retention{MaxCheckpoints: 10, MaxAge: 24 * time.Hour},
			drop: []string{"cp1"},
		},
		{
			name: "expired restorable survives a fresh pre-recovery",
			cps: trail(now, []time.Duration{25 * time.Hour, 25 * time.Hour, 0},
				[]models.CheckpointType{auto, auto, models.CheckpointPreRecovery}),
			r:    DefaultRetention(),
			drop: []string{"cp1"},
		},
		{
			name: "restorable pinned alongside stable",
			cps: trail(now, []time.Duration{48 * time.Hour, 30 * time.Hour, time.Minute},
				[]models.CheckpointType{stable, auto, models.CheckpointPreRecovery}),
			r: Retention{MaxCheckpoints: 3, MaxAge: 24 * time.Hour},
		},
		{
			name: "zero max age disables expiry",
			cps:  trail(now, []time.Duration{72 * time.Hour, 48 * time.Hour}, nil),
			r:    Retention{MaxCheckpoints: 10},
		},
		{
			name: "single slot prefers stable",
			cps:  trail(now, fresh(3), []models.CheckpointType{auto, stable, auto}),
			r:    Retention{MaxCheckpoints: 1},
			drop: []string{"cp1", "cp3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prunable(tt.cps, tt.r, now)
			assert.Equal(t, tt.drop, got)
			assert.LessOrEqual(t, len(tt.cps)-len(got), tt.r.MaxCheckpoints)
		})
	}
}

func TestApplyFilter(t *testing.T) {
	now := time.Now()
	cps := trail(now, []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour}, []models.CheckpointType{
		models.CheckpointAuto, models.CheckpointPreRecovery, models.CheckpointAuto,
	})

	assert.Len(t, applyFilter(cps, Filter{}), 3)
	assert.Len(t, applyFilter(cps, Filter{Type: models.CheckpointPreRecovery}), 1)

	recent := applyFilter(cps, Filter{Since: now.Add(-90 * time.Minute)})
	if assert.Len(t, recent, 1) {
		assert.Equal(t, "cp3", recent[0].ID)
	}

	limited := applyFilter(cps, Filter{Type: models.CheckpointAuto, Limit: 1})
	if assert.Len(t, limited, 1) {
		assert.Equal(t, "cp3", limited[0].ID)
	}
}
