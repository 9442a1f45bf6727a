package eval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluation_id       TEXT NOT NULL UNIQUE,
	run_id              TEXT,
	calibration_score   REAL NOT NULL,
	false_positive_rate REAL NOT NULL,
	overconfidence      REAL NOT NULL,
	feedback_count      INTEGER NOT NULL,
	case_count          INTEGER NOT NULL,
	per_type_json       TEXT NOT NULL,
	advice_json         TEXT NOT NULL,
	advice_source       TEXT NOT NULL,
	feedback_cursor     INTEGER NOT NULL,
	generated_at        TEXT NOT NULL
);
`
// #endregion schema

// #region store
// Store keeps every evaluation. The latest one holds the feedback cursor the
// next evaluation starts from.
type Store struct {
	db *sql.DB
}

// NewStore creates the evaluations table on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate evaluations: %w", err)
	}
	return &Store{db: db}, nil
}

// Save appends ev.
func (s *Store) Save(ctx context.Context, ev Evaluation) error {
	perType, err := json.Marshal(ev.PerType)
	if err != nil {
		return fmt.Errorf("marshal per-type stats: %w", err)
	}
	advice, err := json.Marshal(ev.Advice)
	if err != nil {
		return fmt.Errorf("marshal advice: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (evaluation_id, run_id, calibration_score, false_positive_rate, overconfidence,
		  feedback_count, case_count, per_type_json, advice_json, advice_source, feedback_cursor, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EvaluationID, nullIfEmpty(ev.RunID), ev.CalibrationScore, ev.FalsePositiveRate, ev.Overconfidence,
		ev.FeedbackCount, ev.CaseCount, string(perType), string(advice), ev.AdviceSource, ev.FeedbackCursor,
		ev.GeneratedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: insert evaluation: %w", anomaly.ErrStoreFault, err)
	}
	return nil
}

// Latest returns the newest evaluation. ok is false when none exists.
func (s *Store) Latest(ctx context.Context) (ev Evaluation, ok bool, err error) {
	evs, err := s.List(ctx, 1)
	if err != nil || len(evs) == 0 {
		return Evaluation{}, false, err
	}
	return evs[0], true, nil
}

// Cursor returns the feedback seq covered by the latest evaluation.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	ev, _, err := s.Latest(ctx)
	return ev.FeedbackCursor, err
}

// List returns the most recent evaluations, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evaluation_id, run_id, calibration_score, false_positive_rate, overconfidence, feedback_count,
		        case_count, per_type_json, advice_json, advice_source, feedback_cursor, generated_at
		 FROM evaluations ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query evaluations: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		var runID sql.NullString
		var perType, advice, generated string
		if err := rows.Scan(&ev.EvaluationID, &runID, &ev.CalibrationScore, &ev.FalsePositiveRate, &ev.Overconfidence,
			&ev.FeedbackCount, &ev.CaseCount, &perType, &advice, &ev.AdviceSource, &ev.FeedbackCursor, &generated); err != nil {
			return nil, fmt.Errorf("%w: scan evaluation: %w", anomaly.ErrStoreFault, err)
		}
		ev.RunID = runID.String
		if err := json.Unmarshal([]byte(perType), &ev.PerType); err != nil {
			return nil, fmt.Errorf("unmarshal per-type stats: %w", err)
		}
		if err := json.Unmarshal([]byte(advice), &ev.Advice); err != nil {
			return nil, fmt.Errorf("unmarshal advice: %w", err)
		}
		ev.GeneratedAt, _ = time.Parse(time.RFC3339Nano, generated)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Clear removes every evaluation inside tx. Used by reset.
func (s *Store) Clear(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM evaluations`); err != nil {
		return fmt.Errorf("clear evaluations: %w", err)
	}
	return nil
}

// #endregion store

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
