package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jordanhubbard/converge/internal/metrics"
	"github.com/jordanhubbard/converge/pkg/models"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// SQLStore persists checkpoints through database/sql. PostgreSQL and SQLite
// share one schema; only placeholder syntax differs.
type SQLStore struct {
	db        *sql.DB
	postgres  bool
	retention Retention
	metrics   *metrics.Metrics
	pruned    atomic.Int64
	now       func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewPostgresStore connects to PostgreSQL and creates the schema if needed.
func NewPostgresStore(dsn string, r Retention, m *metrics.Metrics) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return newSQLStore(db, true, r, m)
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(path string, r Retention, m *metrics.Metrics) (*SQLStore, error) {
	if path == "" {
		return nil, models.NewValidationError("database.path", "must not be empty for sqlite")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, false, r, m)
}

func newSQLStore(db *sql.DB, postgres bool, r Retention, m *metrics.Metrics) (*SQLStore, error) {
	s := &SQLStore{
		db:        db,
		postgres:  postgres,
		retention: r,
		metrics:   m,
		now:       time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoint_sessions (
		session_id TEXT PRIMARY KEY,
		last_sequence BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		parent_id TEXT,
		hash TEXT NOT NULL,
		state_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS session_records (
		session_id TEXT PRIMARY KEY REFERENCES checkpoint_sessions(session_id),
		status TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session_sequence ON checkpoints(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_type ON checkpoints(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) q(query string) string {
	if s.postgres {
		return rebind(query)
	}
	return query
}

func (s *SQLStore) RegisterSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session_id", "must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO checkpoint_sessions (session_id, last_sequence, created_at) VALUES (?, 0, ?)
			ON CONFLICT (session_id) DO NOTHING`),
		sessionID, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	return nil
}

func (s *SQLStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM checkpoint_sessions WHERE session_id = ?`), sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Create(ctx context.Context, sessionID string, typ models.CheckpointType, state models.SessionState) (models.Checkpoint, error) {
	if !typ.Valid() {
		return models.Checkpoint{}, models.NewValidationError("type", fmt.Sprintf("unknown checkpoint type %q", typ))
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	cp := models.Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		CreatedAt: s.now().UTC(),
		Hash:      payloadHash(payload),
		State:     state.Clone(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE checkpoint_sessions SET last_sequence = last_sequence + 1 WHERE session_id = ?`), sessionID)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to advance sequence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Checkpoint{}, unknownSession(sessionID)
	}
	if err := tx.QueryRowContext(ctx,
		s.q(`SELECT last_sequence FROM checkpoint_sessions WHERE session_id = ?`), sessionID).Scan(&cp.Sequence); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to read sequence: %w", err)
	}

	var parent sql.NullString
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT id FROM checkpoints WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`), sessionID).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{}, fmt.Errorf("failed to read parent checkpoint: %w", err)
	}
	cp.ParentID = parent.String

	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO checkpoints (id, session_id, sequence, type, parent_id, hash, state_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		cp.ID, cp.SessionID, cp.Sequence, string(cp.Type), cp.ParentID, cp.Hash, string(payload), cp.CreatedAt.UnixNano())
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.metrics.RecordCheckpoint(string(typ))
	if s.retention.AutoPrune {
		if _, err := s.Prune(ctx, sessionID); err != nil {
			log.Printf("[Checkpoint] Auto-prune failed for session %s: %v", sessionID, err)
		}
	}
	return cp.Clone(), nil
}

const checkpointColumns = `id, session_id, sequence, type, parent_id, hash, state_json, created_at`

func (s *SQLStore) Get(ctx context.Context, id string) (models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`), id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{}, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, id)
	}
	return cp, err
}

func (s *SQLStore) List(ctx context.Context, sessionID string, f Filter) ([]models.Checkpoint, error) {
	ok, err := s.HasSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, unknownSession(sessionID)
	}
	cps, err := s.list(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return applyFilter(cps, f), nil
}

func (s *SQLStore) list(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY sequence ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) Latest(ctx context.Context, sessionID string, typ models.CheckpointType) (models.Checkpoint, error) {
	ok, err := s.HasSession(ctx, sessionID)
	if err != nil {
		return models.Checkpoint{}, err
	}
	if !ok {
		return models.Checkpoint{}, unknownSession(sessionID)
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE session_id = ?`
	args := []interface{}{sessionID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY sequence DESC LIMIT 1`

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{}, fmt.Errorf("%w: no %s checkpoint for session %s", models.ErrCheckpointNotFound, latestLabel(typ), sessionID)
	}
	return cp, err
}

func (s *SQLStore) Prune(ctx context.Context, sessionID string) (int, error) {
	cps, err := s.list(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	drop := prunable(cps, s.retention, s.now())
	if len(drop) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range drop {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM checkpoints WHERE id = ?`), id); err != nil {
			return 0, fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	s.pruned.Add(int64(len(drop)))
	s.metrics.RecordPruned(len(drop))
	log.Printf("[Checkpoint] Pruned %d checkpoint(s) from session %s", len(drop), sessionID)
	return len(drop), nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: make(map[models.CheckpointType]int), Pruned: s.pruned.Load()}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_sessions`).Scan(&st.Sessions); err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*), MIN(created_at), MAX(created_at) FROM checkpoints GROUP BY type`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate checkpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ              string
			count            int
			oldest, youngest int64
		)
		if err := rows.Scan(&typ, &count, &oldest, &youngest); err != nil {
			return Stats{}, err
		}
		st.ByType[models.CheckpointType(typ)] = count
		st.Total += count
		if o := time.Unix(0, oldest).UTC(); st.OldestAt.IsZero() || o.Before(st.OldestAt) {
			st.OldestAt = o
		}
		if y := time.Unix(0, youngest).UTC(); y.After(st.NewestAt) {
			st.NewestAt = y
		}
	}
	return st, rows.Err()
}

func (s *SQLStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	id := rec.Session.ID
	ok, err := s.HasSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return unknownSession(id)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO session_records (session_id, status, record_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET status = excluded.status, record_json = excluded.record_json, updated_at = excluded.updated_at`),
		id, string(rec.Session.Status), string(payload), rec.Session.CreatedAt.UnixNano(), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT record_json FROM session_records WHERE session_id = ?`), sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, sessionNotFound(sessionID)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeRecord(sessionID, payload)
}

func (s *SQLStore) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, record_json FROM session_records ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(sessionID, payload string) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	if rec.FailuresByKind == nil {
		rec.FailuresByKind = make(map[models.FailureKind]int)
	}
	return rec, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		typ       string
		parent    sql.NullString
		payload   string
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.SessionID, &cp.Sequence, &typ, &parent, &cp.Hash, &payload, &createdAt); err != nil {
		return models.Checkpoint{}, err
	}
	if payloadHash([]byte(payload)) != cp.Hash {
		return models.Checkpoint{}, fmt.Errorf("%w: %s", ErrCorrupt, cp.ID)
	}
	if err := json.Unmarshal([]byte(payload), &cp.State); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	cp.Type = models.CheckpointType(typ)
	cp.ParentID = parent.String
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return cp, nil
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
