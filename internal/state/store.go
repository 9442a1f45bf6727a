package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS calibration_versions (
	version_id             TEXT PRIMARY KEY,
	anomaly_type           TEXT NOT NULL,
	parent_id              TEXT,
	threshold              REAL,
	false_positive_penalty REAL,
	confidence_bias        REAL,
	update_count           INTEGER NOT NULL,
	source                 TEXT NOT NULL,
	reason                 TEXT,
	created_at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibration_versions_type ON calibration_versions(anomaly_type);

CREATE TABLE IF NOT EXISTS active_calibration (
	anomaly_type  TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES calibration_versions(version_id)
);

CREATE TABLE IF NOT EXISTS memory_meta (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	generation      INTEGER NOT NULL,
	feedback_cursor INTEGER NOT NULL
);

INSERT OR IGNORE INTO memory_meta (id, generation, feedback_cursor) VALUES (1, 0, 0);
`
// #endregion schema

// #region store-struct
// Store is the single-writer calibration store. Writes take mu and run in one
// transaction; snapshots take the read side so they never see half an apply.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for repair warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database, runs migrations and seeds a default
// calibration record for every anomaly type that lacks one.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps pragmas in effect and serialises writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.repair(context.Background(), SourceSeed); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for the other stores sharing the file.
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region snapshot
// Snapshot reads every calibration record at once. Missing or corrupt records
// are regenerated from defaults and persisted as repair versions.
func (s *Store) Snapshot(ctx context.Context) (anomaly.Snapshot, error) {
	s.mu.RLock()
	snap, bad, err := s.read(ctx, s.db)
	s.mu.RUnlock()
	if err != nil {
		return anomaly.Snapshot{}, err
	}
	if len(bad) == 0 {
		return snap, nil
	}

	s.logger.Warn("calibration records need repair", zap.Int("count", len(bad)), zap.Errors("faults", bad))
	if err := s.repair(ctx, SourceRepair); err != nil {
		return anomaly.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, bad, err = s.read(ctx, s.db)
	if err != nil {
		return anomaly.Snapshot{}, err
	}
	if len(bad) > 0 {
		return anomaly.Snapshot{}, fmt.Errorf("repair did not take: %w", bad[0])
	}
	return snap, nil
}

// Get returns the current record for one type.
func (s *Store) Get(ctx context.Context, t anomaly.Type) (anomaly.Calibration, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return anomaly.Calibration{}, err
	}
	return snap.Get(t)
}

// FeedbackCursor returns the highest feedback seq already folded into memory.
func (s *Store) FeedbackCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT feedback_cursor FROM memory_meta WHERE id = 1`).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: read feedback cursor: %w", anomaly.ErrStoreFault, err)
	}
	return cursor, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// read loads the active records. bad holds one calibration fault per type
// whose record is missing or fails validation; those types get defaults in
// the returned snapshot.
func (s *Store) read(ctx context.Context, q querier) (anomaly.Snapshot, []error, error) {
	snap := anomaly.DefaultSnapshot()
	if err := q.QueryRowContext(ctx, `SELECT generation FROM memory_meta WHERE id = 1`).Scan(&snap.Generation); err != nil {
		return anomaly.Snapshot{}, nil, fmt.Errorf("%w: read generation: %w", anomaly.ErrStoreFault, err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT a.anomaly_type, v.version_id, v.threshold, v.false_positive_penalty, v.confidence_bias,
		        v.update_count, v.created_at
		 FROM active_calibration a LEFT JOIN calibration_versions v ON v.version_id = a.version_id`)
	if err != nil {
		return anomaly.Snapshot{}, nil, fmt.Errorf("%w: read calibration: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	seen := map[anomaly.Type]bool{}
	var bad []error
	for rows.Next() {
		var typ string
		var versionID, created sql.NullString
		var threshold, penalty, bias sql.NullFloat64
		var count sql.NullInt64
		if err := rows.Scan(&typ, &versionID, &threshold, &penalty, &bias, &count, &created); err != nil {
			return anomaly.Snapshot{}, nil, fmt.Errorf("%w: scan calibration: %w", anomaly.ErrStoreFault, err)
		}
		t := anomaly.Type(typ)
		if !t.Valid() {
			continue
		}
		seen[t] = true
		if !versionID.Valid || !threshold.Valid || !penalty.Valid || !bias.Valid || !count.Valid {
			bad = append(bad, fmt.Errorf("%w: %s record incomplete", anomaly.ErrCalibrationFault, t))
			continue
		}
		c := anomaly.Calibration{
			Type:                 t,
			Threshold:            threshold.Float64,
			FalsePositivePenalty: penalty.Float64,
			ConfidenceBias:       bias.Float64,
			UpdateCount:          int(count.Int64),
			VersionID:            versionID.String,
		}
		c.LastUpdated, _ = time.Parse(time.RFC3339Nano, created.String)
		if err := c.Validate(); err != nil {
			bad = append(bad, err)
			continue
		}
		snap.Records[t] = c
	}
	if err := rows.Err(); err != nil {
		return anomaly.Snapshot{}, nil, fmt.Errorf("%w: iterate calibration: %w", anomaly.ErrStoreFault, err)
	}
	for _, t := range anomaly.Types {
		if !seen[t] {
			bad = append(bad, fmt.Errorf("%w: %s record missing", anomaly.ErrCalibrationFault, t))
		}
	}
	return snap, bad, nil
}
// #endregion snapshot

// #region repair
// repair writes a default version for every type whose active record is
// missing or invalid.
func (s *Store) repair(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", anomaly.ErrStoreFault, err)
	}
	defer tx.Rollback()

	current, bad, err := s.read(ctx, tx)
	if err != nil {
		return err
	}
	if len(bad) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, t := range anomaly.Types {
		var parentID string
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT v.version_id, v.update_count FROM active_calibration a
			 JOIN calibration_versions v ON v.version_id = a.version_id WHERE a.anomaly_type = ?`, string(t),
		).Scan(&parentID, &count)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("%w: read %s: %w", anomaly.ErrStoreFault, t, err)
		}
		if err == nil && current.Records[t].VersionID == parentID {
			continue // healthy
		}
		c := anomaly.DefaultCalibration(t)
		if err == nil {
			c.UpdateCount = count + 1
		}
		reason := "default calibration"
		if source == SourceRepair {
			reason = "regenerated missing or corrupt calibration"
			s.logger.Warn("repairing calibration", zap.String("anomaly_type", string(t)))
		}
		if _, err := insertVersion(ctx, tx, c, parentID, source, reason, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit repair: %w", anomaly.ErrStoreFault, err)
	}
	return nil
}
// #endregion repair

// #region apply
// Apply adds deltas to the current records in one transaction. Each touched
// type gets a new version with update_count+1; the memory generation advances
// when anything changed and the feedback cursor never moves backwards.
func (s *Store) Apply(ctx context.Context, deltas map[anomaly.Type]anomaly.Delta, meta ApplyMeta) (ApplyResult, error) {
	for t := range deltas {
		if !t.Valid() {
			return ApplyResult{}, fmt.Errorf("%w: delta for unknown type %q", anomaly.ErrCalibrationFault, t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: begin tx: %w", anomaly.ErrStoreFault, err)
	}
	defer tx.Rollback()

	snap, _, err := s.read(ctx, tx)
	if err != nil {
		return ApplyResult{}, err
	}

	now := time.Now().UTC()
	var res ApplyResult
	for _, t := range anomaly.Types {
		d, ok := deltas[t]
		if !ok || d.IsZero() {
			continue
		}
		old := snap.Records[t]
		next := old.Apply(d)
		next.UpdateCount = old.UpdateCount + 1
		reason := d.Justification
		if reason == "" {
			reason = meta.Reason
		}
		applied, err := insertVersion(ctx, tx, next, old.VersionID, meta.Source, reason, now)
		if err != nil {
			return ApplyResult{}, err
		}
		res.Applied = append(res.Applied, applied)
	}

	res.Generation = snap.Generation
	if len(res.Applied) > 0 {
		res.Generation++
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memory_meta SET generation = ?, feedback_cursor = MAX(feedback_cursor, ?) WHERE id = 1`,
		res.Generation, meta.FeedbackCursor,
	)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: update memory meta: %w", anomaly.ErrStoreFault, err)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: commit apply: %w", anomaly.ErrStoreFault, err)
	}
	return res, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, c anomaly.Calibration, parentID, source, reason string, now time.Time) (anomaly.Calibration, error) {
	c.VersionID = uuid.New().String()
	c.LastUpdated = now
	_, err := tx.ExecContext(ctx,
		`INSERT INTO calibration_versions
		 (version_id, anomaly_type, parent_id, threshold, false_positive_penalty, confidence_bias,
		  update_count, source, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.VersionID, string(c.Type), nullIfEmpty(parentID), c.Threshold, c.FalsePositivePenalty, c.ConfidenceBias,
		c.UpdateCount, source, nullIfEmpty(reason), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return anomaly.Calibration{}, fmt.Errorf("%w: insert %s version: %w", anomaly.ErrStoreFault, c.Type, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_calibration (anomaly_type, version_id) VALUES (?, ?)
		 ON CONFLICT(anomaly_type) DO UPDATE SET version_id = excluded.version_id`,
		string(c.Type), c.VersionID,
	)
	if err != nil {
		return anomaly.Calibration{}, fmt.Errorf("%w: set active %s: %w", anomaly.ErrStoreFault, c.Type, err)
	}
	return c, nil
}
// #endregion apply

// #region history
// History returns the most recent versions of one type, newest first.
func (s *Store) History(ctx context.Context, t anomaly.Type, limit int) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version_id, parent_id, threshold, false_positive_penalty, confidence_bias,
		        update_count, source, reason, created_at
		 FROM calibration_versions WHERE anomaly_type = ?
		 ORDER BY rowid DESC LIMIT ?`, string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v := Version{Calibration: anomaly.Calibration{Type: t}}
		var parentID, reason sql.NullString
		var threshold, penalty, bias sql.NullFloat64
		var created string
		if err := rows.Scan(&v.VersionID, &parentID, &threshold, &penalty, &bias,
			&v.UpdateCount, &v.Source, &reason, &created); err != nil {
			return nil, fmt.Errorf("%w: scan history: %w", anomaly.ErrStoreFault, err)
		}
		v.ParentID = parentID.String
		v.Reason = reason.String
		v.Threshold, v.FalsePositivePenalty, v.ConfidenceBias = threshold.Float64, penalty.Float64, bias.Float64
		v.LastUpdated, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, v)
	}
	return out, rows.Err()
}
// #endregion history

// #region reset
// Reset restores defaults for every type and clears the history. The extra
// clear functions run inside the same transaction so callers can wipe the
// stores sharing this database atomically with memory.
func (s *Store) Reset(ctx context.Context, also ...func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", anomaly.ErrStoreFault, err)
	}
	defer tx.Rollback()

	for _, clear := range also {
		if err := clear(tx); err != nil {
			return fmt.Errorf("%w: reset: %w", anomaly.ErrStoreFault, err)
		}
	}
	for _, stmt := range []string{
		`DELETE FROM active_calibration`,
		`DELETE FROM calibration_versions`,
		`UPDATE memory_meta SET generation = 0, feedback_cursor = 0 WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: reset memory: %w", anomaly.ErrStoreFault, err)
		}
	}
	now := time.Now().UTC()
	for _, t := range anomaly.Types {
		if _, err := insertVersion(ctx, tx, anomaly.DefaultCalibration(t), "", SourceReset, "reset to defaults", now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit reset: %w", anomaly.ErrStoreFault, err)
	}
	return nil
}
// #endregion reset

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
