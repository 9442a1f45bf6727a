package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS feedback (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	feedback_id  TEXT NOT NULL UNIQUE,
	case_id      TEXT NOT NULL,
	verdict      TEXT NOT NULL,
	note         TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_case ON feedback(case_id);
`
// #endregion schema

// #region validation
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("verdict", func(fl validator.FieldLevel) bool {
		return anomaly.Verdict(fl.Field().String()).Valid()
	})
}

// Validate checks the input fields. It does not check that the case exists.
func (in Input) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidVerdict, err)
	}
	return nil
}
// #endregion validation

// #region store
// Store is the append-only feedback log.
type Store struct {
	db *sql.DB
}

// NewStore creates the feedback table on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate feedback: %w", err)
	}
	return &Store{db: db}, nil
}

// Append validates and stores one submission. Guards run in the same
// transaction as the insert, so a check they make still holds when the row
// lands.
func (s *Store) Append(ctx context.Context, in Input, guards ...Guard) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, err
	}
	rec := Record{
		FeedbackID: uuid.New().String(),
		CaseID:     in.CaseID,
		Verdict:    in.Verdict,
		Note:       in.Note,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: begin tx: %w", anomaly.ErrStoreFault, err)
	}
	defer tx.Rollback()

	for _, g := range guards {
		if err := g(ctx, tx); err != nil {
			return Record{}, err
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO feedback (feedback_id, case_id, verdict, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.FeedbackID, rec.CaseID, string(rec.Verdict), nullIfEmpty(rec.Note), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: insert feedback: %w", anomaly.ErrStoreFault, err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("%w: feedback seq: %w", anomaly.ErrStoreFault, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("%w: commit feedback: %w", anomaly.ErrStoreFault, err)
	}
	return rec, nil
}

// ListSince returns feedback with seq greater than cursor, oldest first.
func (s *Store) ListSince(ctx context.Context, cursor int64) ([]Record, error) {
	return s.query(ctx, `SELECT seq, feedback_id, case_id, verdict, note, created_at
		FROM feedback WHERE seq > ? ORDER BY seq ASC`, cursor)
}

// ForCase returns the feedback recorded against one case, oldest first.
func (s *Store) ForCase(ctx context.Context, caseID string) ([]Record, error) {
	return s.query(ctx, `SELECT seq, feedback_id, case_id, verdict, note, created_at
		FROM feedback WHERE case_id = ? ORDER BY seq ASC`, caseID)
}

// Latest returns the most recent verdict for every case that has one.
func (s *Store) Latest(ctx context.Context) (map[string]anomaly.Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT f.case_id, f.verdict FROM feedback f
		JOIN (SELECT case_id, MAX(seq) AS seq FROM feedback GROUP BY case_id) m ON m.seq = f.seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: latest feedback: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	out := map[string]anomaly.Verdict{}
	for rows.Next() {
		var id, verdict string
		if err := rows.Scan(&id, &verdict); err != nil {
			return nil, fmt.Errorf("%w: scan latest feedback: %w", anomaly.ErrStoreFault, err)
		}
		out[id] = anomaly.Verdict(verdict)
	}
	return out, rows.Err()
}

// Count returns the number of stored feedback rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count feedback: %w", anomaly.ErrStoreFault, err)
	}
	return n, nil
}

// Clear removes every feedback row inside tx. Used by reset.
func (s *Store) Clear(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM feedback`); err != nil {
		return fmt.Errorf("clear feedback: %w", err)
	}
	// Restart seq so cursors stored elsewhere line up after reset.
	if _, err := tx.Exec(`DELETE FROM sqlite_sequence WHERE name = 'feedback'`); err != nil {
		return fmt.Errorf("clear feedback seq: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query feedback: %w", anomaly.ErrStoreFault, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var verdict, created string
		var note sql.NullString
		if err := rows.Scan(&r.Seq, &r.FeedbackID, &r.CaseID, &verdict, &note, &created); err != nil {
			return nil, fmt.Errorf("%w: scan feedback: %w", anomaly.ErrStoreFault, err)
		}
		r.Verdict = anomaly.Verdict(verdict)
		r.Note = note.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
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
