package update

import (
	"context"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// #region judgment
// Judgment is a feedback row joined with the anomaly type and confidence of
// the case it refers to. Type is empty when the case is unknown.
type Judgment struct {
	Seq        int64           `json:"seq"`
	CaseID     string          `json:"case_id"`
	Type       anomaly.Type    `json:"anomaly_type"`
	Verdict    anomaly.Verdict `json:"verdict"`
	Confidence anomaly.Level   `json:"confidence"`
	Note       string          `json:"note,omitempty"`
}
// #endregion judgment

// #region proposal
// Proposal is a batch of per-type deltas before the gate and apply.
type Proposal struct {
	Deltas  map[anomaly.Type]anomaly.Delta `json:"deltas"`
	Cursor  int64                          `json:"feedback_cursor"` // highest judgment seq covered
	Source  string                         `json:"source"`
	Skipped []string                       `json:"skipped,omitempty"` // case ids with no known type
}

// Empty reports whether p changes no record.
func (p Proposal) Empty() bool {
	for _, d := range p.Deltas {
		if !d.IsZero() {
			return false
		}
	}
	return true
}
// #endregion proposal

// #region proposer
// Proposer turns judgments into a proposal. The deterministic Planner is one;
// reasoning strategies are others.
type Proposer interface {
	ProposeMemoryDeltas(ctx context.Context, judgments []Judgment, snap anomaly.Snapshot) (Proposal, error)
}
// #endregion proposer

// #region update-config
// Config holds the step sizes of the deterministic rule.
type Config struct {
	PenaltyStep   float64 `koanf:"penalty_step" validate:"gt=0,lte=0.5"` // added per false_positive
	RewardStep    float64 `koanf:"reward_step" validate:"gte=0,lte=0.5"` // removed per approve/useful
	ApprovalGuard int     `koanf:"approval_guard" validate:"gte=1"`      // approvals per loosen, counted across batches since reset
	LoosenFactor  float64 `koanf:"loosen_factor" validate:"gte=0,lte=1"` // fraction of a step to loosen by
}

// DefaultConfig returns the documented step sizes.
func DefaultConfig() Config {
	return Config{
		PenaltyStep:   0.15,
		RewardStep:    0.05,
		ApprovalGuard: 3,
		LoosenFactor:  0.5,
	}
}
// #endregion update-config
