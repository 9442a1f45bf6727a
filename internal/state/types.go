package state

import "github.com/danielpatrickdp/opsiq/internal/anomaly"

// #region sources
// Sources attributed to a calibration version.
const (
	SourceSeed      = "seed"
	SourceFeedback  = "feedback"
	SourceReasoning = "reasoning"
	SourceReset     = "reset"
	SourceRepair    = "repair"
)
// #endregion sources

// #region version
// Version is one row of the append-only calibration history.
type Version struct {
	anomaly.Calibration
	ParentID string `json:"parent_id,omitempty"`
	Source   string `json:"source"`
	Reason   string `json:"reason,omitempty"`
}
// #endregion version

// #region apply
// ApplyMeta attributes a delta batch.
type ApplyMeta struct {
	Source         string
	Reason         string
	FeedbackCursor int64 // highest feedback seq folded into this batch
}

// ApplyResult reports what an apply changed.
type ApplyResult struct {
	Generation int
	Applied    []anomaly.Calibration
}
// #endregion apply
