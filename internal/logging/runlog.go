package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS run_traces (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	trigger_type      TEXT NOT NULL,
	status            TEXT NOT NULL,
	reason            TEXT,
	steps_json        TEXT NOT NULL,
	evidence_count    INTEGER NOT NULL,
	dropped           INTEGER NOT NULL,
	input_faults      INTEGER NOT NULL,
	cases_generated   INTEGER NOT NULL,
	memory_generation INTEGER NOT NULL,
	generation_id     TEXT,
	detail_json       TEXT,
	duration_ms       INTEGER NOT NULL,
	started_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_traces_run ON run_traces(run_id);
`
// #endregion schema

// #region run-log
// RunLog persists run traces next to the other stores.
type RunLog struct {
	db *sql.DB
}

// NewRunLog creates the run_traces table on db.
func NewRunLog(db *sql.DB) (*RunLog, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate run traces: %w", err)
	}
	return &RunLog{db: db}, nil
}

// LogRun writes a run trace.
func (l *RunLog) LogRun(ctx context.Context, tr RunTrace) error {
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now().UTC()
	}
	if tr.Steps == nil {
		tr.Steps = []string{}
	}
	steps, err := json.Marshal(tr.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO run_traces (run_id, trigger_type, status, reason, steps_json, evidence_count, dropped,
		  input_faults, cases_generated, memory_generation, generation_id, detail_json, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID,
		tr.Trigger,
		tr.Status,
		nullIfEmpty(tr.Reason),
		string(steps),
		tr.EvidenceCount,
		tr.Dropped,
		tr.InputFaults,
		tr.CasesGenerated,
		tr.MemoryGeneration,
		nullIfEmpty(tr.GenerationID),
		nullIfEmpty(tr.DetailJSON),
		tr.DurationMs,
		tr.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log run: %w", err)
	}
	return nil
}

// Recent returns the newest traces first. An empty trigger matches all.
func (l *RunLog) Recent(ctx context.Context, trigger string, limit int) ([]RunTrace, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, trigger_type, status, reason, steps_json, evidence_count, dropped, input_faults,
		        cases_generated, memory_generation, generation_id, detail_json, duration_ms, started_at
		 FROM run_traces WHERE (? = '' OR trigger_type = ?)
		 ORDER BY seq DESC LIMIT ?`, trigger, trigger, limit)
	if err != nil {
		return nil, fmt.Errorf("query run traces: %w", err)
	}
	defer rows.Close()

	var out []RunTrace
	for rows.Next() {
		var tr RunTrace
		var reason, genID, detail sql.NullString
		var steps, started string
		if err := rows.Scan(&tr.RunID, &tr.Trigger, &tr.Status, &reason, &steps, &tr.EvidenceCount, &tr.Dropped,
			&tr.InputFaults, &tr.CasesGenerated, &tr.MemoryGeneration, &genID, &detail, &tr.DurationMs, &started); err != nil {
			return nil, fmt.Errorf("scan run trace: %w", err)
		}
		tr.Reason, tr.GenerationID, tr.DetailJSON = reason.String, genID.String, detail.String
		if err := json.Unmarshal([]byte(steps), &tr.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		tr.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Clear removes every trace inside tx. Used by reset.
func (l *RunLog) Clear(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM run_traces`); err != nil {
		return fmt.Errorf("clear run traces: %w", err)
	}
	return nil
}
// #endregion run-log

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
