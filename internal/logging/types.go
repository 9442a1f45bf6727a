package logging

import "time"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusNoOp      = "no_op"
	StatusRejected  = "rejected"
)

// #region run-trace
// RunTrace is a single row in the run_traces table. Every loop operation
// (rerun, learn, evaluate, reset) writes one.
type RunTrace struct {
	RunID            string    `json:"run_id"`
	Trigger          string    `json:"trigger"` // "rerun" | "learn" | "evaluate" | "reset" | "watch"
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	Steps            []string  `json:"steps"`
	EvidenceCount    int       `json:"evidence_count"`
	Dropped          int       `json:"dropped"`
	InputFaults      int       `json:"input_faults"`
	CasesGenerated   int       `json:"cases_generated"`
	MemoryGeneration int       `json:"memory_generation"`
	GenerationID     string    `json:"generation_id,omitempty"`
	DetailJSON       string    `json:"detail,omitempty"` // gate decision or proposal, when relevant
	DurationMs       int64     `json:"duration_ms"`
	StartedAt        time.Time `json:"started_at"`
}
// #endregion run-trace
