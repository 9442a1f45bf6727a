package orchestrator

// #region imports
import (
	"errors"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/gate"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// #endregion

// ErrRunInProgress is returned when a rerun (or reset) is requested while
// another rerun holds the controller.
var ErrRunInProgress = errors.New("rerun in progress")

// Run triggers recorded in the run log.
const (
	TriggerManual   = "manual"
	TriggerLearn    = "learn"
	TriggerWatch    = "watch"
	TriggerEvaluate = "evaluate"
	TriggerReset    = "reset"
)

// #region run-state

// RunState is the rerun controller state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// Status is the observable controller state.
type Status struct {
	State      RunState  `json:"state"`
	RunID      string    `json:"run_id,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// #endregion run-state

// #region drop

// Drop records one item the pipeline discarded.
type Drop struct {
	Reason string       `json:"reason"` // metrics.Drop* constant
	Type   anomaly.Type `json:"anomaly_type"`
	Detail string       `json:"detail"`
}

// #endregion drop

// #region pipeline-result

// PipelineResult is the output of BuildCases.
type PipelineResult struct {
	Cases         []cases.Case
	EvidenceCount int
	PerType       map[anomaly.Type]int // evidence emitted per type
	InputFaults   int
	Drops         []Drop
}

// #endregion pipeline-result

// #region run-result

// RunResult summarises one rerun.
type RunResult struct {
	RunID         string           `json:"run_id"`
	Generation    cases.Generation `json:"generation"`
	Cases         []cases.Case     `json:"cases"`
	EvidenceCount int              `json:"evidence_count"`
	InputFaults   int              `json:"input_faults"`
	Drops         []Drop           `json:"drops,omitempty"`
	Duration      time.Duration    `json:"duration"`
}

// #endregion run-result

// #region learn-result

// LearnResult summarises one plan, gate and apply cycle.
type LearnResult struct {
	RunID            string                `json:"run_id"`
	Judgments        int                   `json:"judgments"`
	Proposal         update.Proposal       `json:"proposal"`
	Decision         gate.Decision         `json:"decision"`
	FellBack         bool                  `json:"fell_back"` // reasoning proposal vetoed, rule output used
	Limited          bool                  `json:"limited"`   // rule output cut to the gate caps
	Applied          []anomaly.Calibration `json:"applied,omitempty"`
	MemoryGeneration int                   `json:"memory_generation"`
	Rerun            *RunResult            `json:"rerun,omitempty"`
}

// #endregion learn-result
