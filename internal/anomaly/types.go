package anomaly

import (
	"fmt"
	"strings"
)

// #region anomaly-type
// Type enumerates the anomaly classes the detectors emit.
type Type string

const (
	DuplicateRefund Type = "duplicate_refund"
	Underbilling    Type = "underbilling"
	TierMismatch    Type = "tier_mismatch"
	RefundSpike     Type = "refund_spike"
	ManualCredit    Type = "manual_credit"
)

// Types lists every anomaly type in canonical order.
var Types = []Type{DuplicateRefund, Underbilling, TierMismatch, RefundSpike, ManualCredit}

// Valid reports whether t is one of the known anomaly types.
func (t Type) Valid() bool {
	_, ok := specs[t]
	return ok
}

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(strings.ToLower(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown anomaly type %q", s)
	}
	return t, nil
}

// #endregion anomaly-type

// #region type-spec
// Spec holds the fixed per-type metadata: default calibration, how the
// threshold moves when the type is tightened, and presentation details.
type Spec struct {
	Threshold float64 // default threshold
	Floor     float64 // threshold never goes below this
	Step      float64 // one tightening step, in threshold units
	Tighten   float64 // +1 raises the threshold to tighten, -1 lowers it
	Unit      string
	Prefix    string // case id prefix
	Action    string // recommended action
}

var specs = map[Type]Spec{
	DuplicateRefund: {
		Threshold: 120, Floor: 5, Step: 30, Tighten: -1, Unit: "minutes",
		Prefix: "DUP",
		Action: "Investigate and reverse the duplicate refund. Verify with payment processor.",
	},
	Underbilling: {
		Threshold: 10, Floor: 1, Step: 25, Tighten: 1, Unit: "currency",
		Prefix: "UND",
		Action: "Review billing configuration and issue corrected invoice.",
	},
	TierMismatch: {
		Threshold: 50, Floor: 1, Step: 25, Tighten: 1, Unit: "currency",
		Prefix: "TIE",
		Action: "Update the billing tier to match the active subscription and re-invoice.",
	},
	RefundSpike: {
		Threshold: 2.0, Floor: 1.1, Step: 0.5, Tighten: 1, Unit: "ratio",
		Prefix: "REF",
		Action: "Investigate the root cause of the refund spike in the affected region.",
	},
	ManualCredit: {
		Threshold: 200, Floor: 10, Step: 100, Tighten: 1, Unit: "currency",
		Prefix: "MAN",
		Action: "Audit the manual credit approval chain and verify authorization.",
	},
}

// SpecFor returns the fixed metadata for t.
func SpecFor(t Type) (Spec, bool) {
	s, ok := specs[t]
	return s, ok
}

// #endregion type-spec

// #region level
// Level is a three-band ordinal used for both severity and confidence.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// Rank maps low/medium/high to 0/1/2. Unknown levels rank below low.
func (l Level) Rank() int {
	switch l {
	case Low:
		return 0
	case Medium:
		return 1
	case High:
		return 2
	}
	return -1
}

// LevelFromRank is the inverse of Rank, saturating at both ends.
func LevelFromRank(r int) Level {
	switch {
	case r <= 0:
		return Low
	case r == 1:
		return Medium
	default:
		return High
	}
}

// #endregion level

// #region verdict
// Verdict is a reviewer's judgment on a case.
type Verdict string

const (
	Approve       Verdict = "approve"
	Reject        Verdict = "reject"
	FalsePositive Verdict = "false_positive"
	Useful        Verdict = "useful"
	NotUseful     Verdict = "not_useful"
)

// Verdicts lists the accepted verdicts.
var Verdicts = []Verdict{Approve, Reject, FalsePositive, Useful, NotUseful}

// Valid reports whether v is an accepted verdict.
func (v Verdict) Valid() bool {
	switch v {
	case Approve, Reject, FalsePositive, Useful, NotUseful:
		return true
	}
	return false
}

// Positive is true for approve and useful.
func (v Verdict) Positive() bool {
	return v == Approve || v == Useful
}

// Negative is true for false_positive, reject and not_useful.
func (v Verdict) Negative() bool {
	return v == FalsePositive || v == Reject || v == NotUseful
}

// #endregion verdict

// #region evidence
// Evidence is one detector finding before scoring. It is never persisted.
type Evidence struct {
	Type         Type
	RecordRefs   []string // sorted, unique
	RawMagnitude float64  // currency
	Ratio        float64  // measured quantity over the threshold it was compared to
	Description  string
	Entities     map[string]string // customer_id, customer_name, region, invoice_id, day
}

// #endregion evidence
