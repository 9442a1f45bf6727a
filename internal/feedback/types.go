package feedback

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// ErrInvalidVerdict is returned for input that fails validation.
var ErrInvalidVerdict = errors.New("invalid feedback")

// #region input
// Input is a reviewer submission before it is stored.
type Input struct {
	CaseID  string          `json:"case_id" validate:"required"`
	Verdict anomaly.Verdict `json:"verdict" validate:"required,verdict"`
	Note    string          `json:"note" validate:"max=4096"`
}
// #endregion input

// #region record
// Record is a stored feedback row. Seq increases monotonically and serves as
// the "new since" cursor for learning and evaluation.
type Record struct {
	Seq        int64           `json:"seq"`
	FeedbackID string          `json:"feedback_id"`
	CaseID     string          `json:"case_id"`
	Verdict    anomaly.Verdict `json:"verdict"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
// #endregion record

// Guard runs inside the append transaction before the insert. A non-nil
// error aborts the append.
type Guard func(ctx context.Context, tx *sql.Tx) error
