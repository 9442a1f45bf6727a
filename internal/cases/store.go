package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS case_generations (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	generation_id     TEXT NOT NULL UNIQUE,
	run_id            TEXT NOT NULL,
	memory_generation INTEGER NOT NULL,
	case_count        INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
	generation_id     TEXT NOT NULL,
	case_id           TEXT NOT NULL,
	anomaly_type      TEXT NOT NULL,
	rank              INTEGER NOT NULL,
	title             TEXT NOT NULL,
	severity          TEXT NOT NULL,
	confidence        TEXT NOT NULL,
	confidence_score  REAL NOT NULL,
	impact_estimate   REAL NOT NULL,
	description       TEXT NOT NULL,
	record_refs       TEXT NOT NULL,
	action            TEXT NOT NULL,
	memory_version    INTEGER NOT NULL,
	rationale_json    TEXT NOT NULL,
	PRIMARY KEY (generation_id, case_id),
	FOREIGN KEY (generation_id) REFERENCES case_generations(generation_id)
);

CREATE INDEX IF NOT EXISTS idx_cases_case_id ON cases(case_id);

CREATE TABLE IF NOT EXISTS active_generation (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	generation_id TEXT NOT NULL,
	FOREIGN KEY (generation_id) REFERENCES case_generations(generation_id)
);
`
// #endregion schema

// #region store-struct
// Store persists case generations. Exactly one generation is active; older
// generations stay readable for audit.
type Store struct {
	db *sql.DB
}

// NewStore creates the case tables on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate cases: %w", err)
	}
	return &Store{db: db}, nil
}
// #endregion store-struct

// #region replace-active
// ReplaceActive writes a new generation with its cases and makes it active in
// one transaction. Readers see either the old set or the new one.
func (s *Store) ReplaceActive(ctx context.Context, gen Generation, cs []Case) (Generation, error) {
	if gen.GenerationID == "" {
		gen.GenerationID = uuid.New().String()
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now().UTC()
	}
	gen.CaseCount = len(cs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: begin tx: %w", anomaly.ErrStoreFault, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO case_generations (generation_id, run_id, memory_generation, case_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		gen.GenerationID, gen.RunID, gen.MemoryGeneration, gen.CaseCount, gen.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: insert generation: %w", anomaly.ErrStoreFault, err)
	}
	if gen.Seq, err = res.LastInsertId(); err != nil {
		return Generation{}, fmt.Errorf("%w: generation seq: %w", anomaly.ErrStoreFault, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cases (generation_id, case_id, anomaly_type, rank, title, severity, confidence,
		  confidence_score, impact_estimate, description, record_refs, action, memory_version, rationale_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: prepare case insert: %w", anomaly.ErrStoreFault, err)
	}
	defer stmt.Close()

	for _, c := range cs {
		refs, err := json.Marshal(c.RecordRefs)
		if err != nil {
			return Generation{}, fmt.Errorf("marshal refs: %w", err)
		}
		rationale, err := json.Marshal(c.Rationale)
		if err != nil {
			return Generation{}, fmt.Errorf("marshal rationale: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			gen.GenerationID, c.CaseID, string(c.AnomalyType), c.Rank, c.Title, string(c.Severity), string(c.Confidence),
			c.ConfidenceScore, c.ImpactEstimate, c.EvidenceDescription, string(refs), c.RecommendedAction,
			c.MemoryVersion, string(rationale),
		)
		if err != nil {
			return Generation{}, fmt.Errorf("%w: insert case %s: %w", anomaly.ErrStoreFault, c.CaseID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_generation (id, generation_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET generation_id = excluded.generation_id`,
		gen.GenerationID,
	)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: set active generation: %w", anomaly.ErrStoreFault, err)
	}

	if err := tx.Commit(); err != nil {
		return Generation{}, fmt.Errorf("%w: commit generation: %w", anomaly.ErrStoreFault, err)
	}
	gen.Active = true
	return gen, nil
}
// #endregion replace-active

// #region reads
const caseColumns = `case_id, anomaly_type, rank, title, severity, confidence, confidence_score,
	impact_estimate, description, record_refs, action, memory_version, rationale_json`

// Active returns the cases of the active generation in rank order.
// It returns an empty slice before the first run.
func (s *Store) Active(ctx context.Context) ([]Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE generation_id = (SELECT generation_id FROM active_generation WHERE id = 1)
		 ORDER BY rank ASC`)
}

// ActiveGeneration returns the active generation. ok is false before the first run.
func (s *Store) ActiveGeneration(ctx context.Context) (gen Generation, ok bool, err error) {
	gens, err := s.queryGenerations(ctx,
		`SELECT g.seq, g.generation_id, g.run_id, g.memory_generation, g.case_count, g.created_at, 1
		 FROM case_generations g JOIN active_generation a ON a.generation_id = g.generation_id
		 WHERE a.id = 1`)
	if err != nil || len(gens) == 0 {
		return Generation{}, false, err
	}
	return gens[0], true, nil
}

// Get returns a case by id, preferring the active generation and otherwise
// the most recent generation that produced it.
func (s *Store) Get(ctx context.Context, caseID string) (Case, error) {
	cs, err := s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases c
		 JOIN case_generations g ON g.generation_id = c.generation_id
		 LEFT JOIN active_generation a ON a.generation_id = c.generation_id
		 WHERE c.case_id = ?
		 ORDER BY (a.id IS NOT NULL) DESC, g.seq DESC
		 LIMIT 1`, caseID)
	if err != nil {
		return Case{}, err
	}
	if len(cs) == 0 {
		return Case{}, fmt.Errorf("%w: %s", ErrUnknownCase, caseID)
	}
	return cs[0], nil
}

// Generations lists the most recent generations, newest first.
func (s *Store) Generations(ctx context.Context, limit int) ([]Generation, error) {
	return s.queryGenerations(ctx,
		`SELECT g.seq, g.generation_id, g.run_id, g.memory_generation, g.case_count, g.created_at,
		  (a.id IS NOT NULL)
		 FROM case_generations g LEFT JOIN active_generation a ON a.generation_id = g.generation_id
		 ORDER BY g.seq DESC LIMIT ?`, limit)
}

// GenerationCases returns the cases of one generation in rank order.
func (s *Store) GenerationCases(ctx context.Context, generationID string) ([]Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE generation_id = ? ORDER BY rank ASC`, generationID)
}

func (s *Store) queryCases(ctx context.Context, query string, args ...any) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query cases: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	out := []Case{}
	for rows.Next() {
		var c Case
		var typ, sev, conf, refs, rationale string
		if err := rows.Scan(&c.CaseID, &typ, &c.Rank, &c.Title, &sev, &conf, &c.ConfidenceScore,
			&c.ImpactEstimate, &c.EvidenceDescription, &refs, &c.RecommendedAction, &c.MemoryVersion, &rationale); err != nil {
			return nil, fmt.Errorf("%w: scan case: %w", anomaly.ErrStoreFault, err)
		}
		c.AnomalyType = anomaly.Type(typ)
		c.Severity = anomaly.Level(sev)
		c.Confidence = anomaly.Level(conf)
		if err := json.Unmarshal([]byte(refs), &c.RecordRefs); err != nil {
			return nil, fmt.Errorf("unmarshal refs of %s: %w", c.CaseID, err)
		}
		if err := json.Unmarshal([]byte(rationale), &c.Rationale); err != nil {
			return nil, fmt.Errorf("unmarshal rationale of %s: %w", c.CaseID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) queryGenerations(ctx context.Context, query string, args ...any) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query generations: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		var created string
		if err := rows.Scan(&g.Seq, &g.GenerationID, &g.RunID, &g.MemoryGeneration, &g.CaseCount, &created, &g.Active); err != nil {
			return nil, fmt.Errorf("%w: scan generation: %w", anomaly.ErrStoreFault, err)
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, g)
	}
	return out, rows.Err()
}
// #endregion reads

// #region clear
// Clear removes every generation inside tx. Used by reset.
func (s *Store) Clear(tx *sql.Tx) error {
	for _, stmt := range []string{
		`DELETE FROM active_generation`,
		`DELETE FROM cases`,
		`DELETE FROM case_generations`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear cases: %w", err)
		}
	}
	return nil
}

// Require fails with ErrUnknownCase unless some generation holds caseID. It
// reads through tx so a caller can check and write in one transaction.
func (s *Store) Require(ctx context.Context, tx *sql.Tx, caseID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE case_id = ? LIMIT 1`, caseID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrUnknownCase, caseID)
	case err != nil:
		return fmt.Errorf("%w: lookup case: %w", anomaly.ErrStoreFault, err)
	}
	return nil
}
// #endregion clear
