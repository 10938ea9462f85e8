package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/converge/pkg/config"
	"github.com/jordanhubbard/converge/pkg/models"
)

type storeFactory func(t *testing.T, r Retention) Store

func newMemory(t *testing.T, r Retention) Store {
	return NewMemoryStore(r, nil)
}

func newSQLite(t *testing.T, r Retention) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"), r, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPostgres(t *testing.T, r Retention) Store {
	t.Helper()
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "converge"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "converge"
	}

	adminDSN := fmt.Sprintf("host=%s user=%s password=%s dbname=postgres sslmode=disable connect_timeout=5", host, user, password)
	admin, err := sql.Open("postgres", adminDSN)
	if err != nil {
		t.Skipf("Skipping: cannot connect to postgres: %v", err)
	}
	defer admin.Close()
	if err := admin.Ping(); err != nil {
		t.Skipf("Skipping: postgres not available: %v", err)
	}
	name := fmt.Sprintf("checkpoint_test_%d", time.Now().UnixNano())
	if _, err := admin.Exec(`CREATE DATABASE "` + name + `"`); err != nil {
		t.Skipf("Skipping: cannot create test database: %v", err)
	}
	t.Cleanup(func() {
		if a, err := sql.Open("postgres", adminDSN); err == nil {
			a.Exec(`DROP DATABASE IF EXISTS "` + name + `"`)
			a.Close()
		}
	})

	s, err := NewPostgresStore(fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable", host, user, password, name), r, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStores(t *testing.T) {
	backends := map[string]storeFactory{
		"memory":   newMemory,
		"sqlite":   newSQLite,
		"postgres": newPostgres,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, open)
		})
	}
}

func state(iteration int, artifact string) models.SessionState {
	return models.SessionState{
		Iteration: iteration,
		Artifact:  artifact,
		LastScore: &models.ScoreResult{CandidateID: "alpha", Total: 0.7, Confidence: models.ConfidenceMedium},
		Tags:      []models.PatternTag{{Tag: "TESTED", Severity: "LOW", Weight: 0.05}},
	}
}

func runStoreSuite(t *testing.T, open storeFactory) {
	ctx := context.Background()
	noPrune := Retention{MaxCheckpoints: 100}

	t.Run("sequences increase without gaps", func(t *testing.T) {
		s := open(t, noPrune)
		require.NoError(t, s.RegisterSession(ctx, "s1"))
		require.NoError(t, s.RegisterSession(ctx, "s1"))

		var prev models.Checkpoint
		for i := 1; i <= 5; i++ {
			cp, err := s.Create(ctx, "s1", models.CheckpointAuto, state(i, "v"))
			require.NoError(t, err)
			assert.Equal(t, int64(i), cp.Sequence)
			assert.Equal(t, prev.ID, cp.ParentID)
			assert.NotEmpty(t, cp.Hash)
			prev = cp
		}

		require.NoError(t, s.RegisterSession(ctx, "s2"))
		cp, err := s.Create(ctx, "s2", models.CheckpointAuto, state(1, "other"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), cp.Sequence, "sequences are per session")
	})

	t.Run("unknown session", func(t *testing.T) {
		s := open(t, noPrune)
		_, err := s.Create(ctx, "nope", models.CheckpointAuto, state(1, "x"))
		assert.True(t, models.IsValidation(err))

		ok, err := s.HasSession(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.List(ctx, "nope", Filter{})
		assert.True(t, models.IsValidation(err))
	})

	t.Run("invalid type", func(t *testing.T) {
		s := open(t, noPrune)
		require.NoError(t, s.RegisterSession(ctx, "s1"))
		_, err := s.Create(ctx, "s1", models.CheckpointType("BOGUS"), state(1, "x"))
		assert.True(t, models.IsValidation(err))
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t, noPrune)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrCheckpointNotFound)
	})

	t.Run("payload is immutable", func(t *testing.T) {
		s := open(t, noPrune)
		require.NoError(t, s.RegisterSession(ctx, "s1"))
		st := state(1, "original")
		cp, err := s.Create(ctx, "s1", models.CheckpointAuto, st)
		require.NoError(t, err)

		st.Tags[0].Tag = "MUTATED"
		cp.State.Artifact = "mutated"
		cp.State.LastScore.Total = 0

		got, err := s.Get(ctx, cp.ID)
		require.NoError(t, err)
		assert.Equal(t, "original", got.State.Artifact)
		assert.Equal(t, "TESTED", got.State.Tags[0].Tag)
		assert.Equal(t, 0.7, got.State.LastScore.Total)
		assert.Equal(t, cp.Hash, got.Hash)

		h, err := models.HashState(got.State)
		require.NoError(t, err)
		assert.Equal(t, got.Hash, h)
	})

	t.Run("list and latest", func(t *testing.T) {
		s := open(t, noPrune)
		require.NoError(t, s.RegisterSession(ctx, "s1"))
		types := []models.CheckpointType{
			models.CheckpointAuto, models.CheckpointStable, models.CheckpointAuto,
			models.CheckpointPreRecovery, models.CheckpointAuto,
		}
		for i, typ := range types {
			_, err := s.Create(ctx, "s1", typ, state(i+1, "v"))
			require.NoError(t, err)
		}

		all, err := s.List(ctx, "s1", Filter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].Sequence, all[i].Sequence)
		}

		autos, err := s.List(ctx, "s1", Filter{Type: models.CheckpointAuto})
		require.NoError(t, err)
		assert.Len(t, autos, 3)

		limited, err := s.List(ctx, "s1", Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, int64(4), limited[0].Sequence)
		assert.Equal(t, int64(5), limited[1].Sequence)

		future, err := s.List(ctx, "s1", Filter{Since: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, future)

		latest, err := s.Latest(ctx, "s1", "")
		require.NoError(t, err)
		assert.Equal(t, int64(5), latest.Sequence)

		stable, err := s.Latest(ctx, "s1", models.CheckpointStable)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stable.Sequence)

		require.NoError(t, s.RegisterSession(ctx, "empty"))
		_, err = s.Latest(ctx, "empty", "")
		assert.ErrorIs(t, err, models.ErrCheckpointNotFound)
	})

	t.Run("retention caps count and keeps stable", func(t *testing.T) {
		s := open(t, Retention{MaxCheckpoints: 20, MaxAge: 24 * time.Hour, AutoPrune: true})
		require.NoError(t, s.RegisterSession(ctx, "s1"))

		var stableID string
		for i := 1; i <= 30; i++ {
			typ := models.CheckpointAuto
			if i == 2 {
				typ = models.CheckpointStable
			}
			cp, err := s.Create(ctx, "s1", typ, state(i, "v"))
			require.NoError(t, err)
			if i == 2 {
				stableID = cp.ID
			}

			all, err := s.List(ctx, "s1", Filter{})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(all), 20)
		}

		_, err := s.Get(ctx, stableID)
		require.NoError(t, err, "most recent STABLE checkpoint must survive pruning")

		next, err := s.Create(ctx, "s1", models.CheckpointAuto, state(31, "v"))
		require.NoError(t, err)
		assert.Equal(t, int64(31), next.Sequence, "sequence never rewinds")

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, st.Total)
		assert.Equal(t, 1, st.ByType[models.CheckpointStable])
		assert.Equal(t, int64(11), st.Pruned)
		assert.Equal(t, 1, st.Sessions)
	})

	t.Run("manual prune", func(t *testing.T) {
		s := open(t, Retention{MaxCheckpoints: 3})
		require.NoError(t, s.RegisterSession(ctx, "s1"))
		for i := 1; i <= 6; i++ {
			_, err := s.Create(ctx, "s1", models.CheckpointAuto, state(i, "v"))
			require.NoError(t, err)
		}
		n, err := s.Prune(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.Prune(ctx, "s1")
		require.NoError(t, err)
		assert.Zero(t, n)

		all, err := s.List(ctx, "s1", Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, int64(4), all[0].Sequence)
	})

	t.Run("session records", func(t *testing.T) {
		s := open(t, noPrune)
		_, err := s.LoadSession(ctx, "s1")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)

		rec := sessionRecord("s1", time.Now())
		assert.True(t, models.IsValidation(s.SaveSession(ctx, rec)), "unregistered session")

		require.NoError(t, s.RegisterSession(ctx, "s1"))
		require.NoError(t, s.SaveSession(ctx, rec))
		rec.Session.Status = models.SessionStatusConverged
		rec.FailuresTotal = 3
		require.NoError(t, s.SaveSession(ctx, rec))

		got, err := s.LoadSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusConverged, got.Session.Status)
		assert.Equal(t, 3, got.FailuresTotal)
		assert.Equal(t, 2, got.FailuresByKind[models.FailureStructural])
		assert.Equal(t, []models.Strategy{models.StrategyImmediate, models.StrategyDecompose}, got.LineageStrategies)
		assert.Equal(t, "v2", got.Session.State.Artifact)

		require.NoError(t, s.RegisterSession(ctx, "s0"))
		require.NoError(t, s.SaveSession(ctx, sessionRecord("s0", time.Now().Add(-time.Hour))))
		all, err := s.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "s0", all[0].Session.ID)
		assert.Equal(t, "s1", all[1].Session.ID)
	})
}

func sessionRecord(id string, created time.Time) SessionRecord {
	return SessionRecord{
		Session: models.Session{
			ID:        id,
			Status:    models.SessionStatusActive,
			Request:   models.GenerationRequest{ID: "req-" + id, Prompt: "Write it."},
			State:     state(2, "v2"),
			CreatedAt: created.UTC(),
			UpdatedAt: created.UTC(),
		},
		Lineage:              "L1",
		LineageAttempts:      2,
		LineageStrategies:    []models.Strategy{models.StrategyImmediate, models.StrategyDecompose},
		AwaitingSuccess:      true,
		FailuresByKind:       map[models.FailureKind]int{models.FailureStructural: 2},
		FailuresTotal:        2,
		LastGoodCheckpointID: "cp-1",
	}
}

func TestSQLiteStore_SessionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := NewSQLiteStore(path, Retention{MaxCheckpoints: 10}, nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSession(ctx, "s1"))
	_, err = s.Create(ctx, "s1", models.CheckpointAuto, state(1, "v1"))
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, sessionRecord("s1", time.Now())))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, Retention{MaxCheckpoints: 10}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "L1", rec.Lineage)
	cps, err := reopened.List(ctx, "s1", Filter{})
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestSQLiteStore_DetectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cp.db"), Retention{MaxCheckpoints: 10}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RegisterSession(ctx, "s1"))
	cp, err := s.Create(ctx, "s1", models.CheckpointAuto, state(1, "good"))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE checkpoints SET state_json = ? WHERE id = ?`, `{"iteration":1,"artifact":"evil"}`, cp.ID)
	require.NoError(t, err)

	_, err = s.Get(ctx, cp.ID)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestOpen(t *testing.T) {
	s, err := Open(config.DatabaseConfig{Type: "memory"}, DefaultRetention(), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, DefaultRetention(), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	s.Close()

	_, err = Open(config.DatabaseConfig{Type: "mongo"}, DefaultRetention(), nil)
	assert.Error(t, err)
}

func TestRetentionFromConfig(t *testing.T) {
	r := RetentionFromConfig(config.CheckpointConfig{MaxAge: time.Hour, AutoPrune: true})
	assert.Equal(t, 20, r.MaxCheckpoints)
	assert.Equal(t, time.Hour, r.MaxAge)
	assert.True(t, r.AutoPrune)
}
