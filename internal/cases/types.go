package cases

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
)

// ErrUnknownCase is returned when no generation holds the requested case id.
var ErrUnknownCase = errors.New("unknown case")

// #region case
// Case is a scored, ranked anomaly finding. It carries no wall-clock fields
// so identical inputs produce identical cases.
type Case struct {
	CaseID              string            `json:"case_id"`
	AnomalyType         anomaly.Type      `json:"anomaly_type"`
	Title               string            `json:"title"`
	Severity            anomaly.Level     `json:"severity"`
	Confidence          anomaly.Level     `json:"confidence"`
	ConfidenceScore     float64           `json:"confidence_score"`
	ImpactEstimate      float64           `json:"impact_estimate"`
	EvidenceDescription string            `json:"evidence_description"`
	RecordRefs          []string          `json:"record_refs"`
	RecommendedAction   string            `json:"recommended_action"`
	Rank                int               `json:"rank"`
	MemoryVersion       int               `json:"memory_version"`
	Rationale           scoring.Rationale `json:"rationale"`
	Status              Status            `json:"status,omitempty"`
}
// #endregion case

// #region status
// Status is the review state of a case. It is derived from the latest
// verdict when cases are read and never stored with the case.
type Status string

const (
	StatusOpen          Status = "open"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusFalsePositive Status = "false_positive"
)

// StatusFor maps a verdict to the status it leaves the case in.
func StatusFor(v anomaly.Verdict) Status {
	switch v {
	case anomaly.Approve, anomaly.Useful:
		return StatusApproved
	case anomaly.Reject, anomaly.NotUseful:
		return StatusRejected
	case anomaly.FalsePositive:
		return StatusFalsePositive
	}
	return StatusOpen
}
// #endregion status

// #region generation
// Generation is one atomically published set of cases.
type Generation struct {
	Seq              int64     `json:"seq"`
	GenerationID     string    `json:"generation_id"`
	RunID            string    `json:"run_id"`
	MemoryGeneration int       `json:"memory_generation"`
	CaseCount        int       `json:"case_count"`
	CreatedAt        time.Time `json:"created_at"`
	Active           bool      `json:"active"`
}
// #endregion generation

// #region scored
// Scored pairs evidence with its score, the input of Build.
type Scored struct {
	Evidence anomaly.Evidence
	Score    scoring.Result
}
// #endregion scored
