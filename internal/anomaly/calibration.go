package anomaly

import (
	"fmt"
	"math"
	"time"
)

// Bounds on the mutable calibration fields.
const (
	MaxPenalty = 0.9
	MinBias    = -1.0
	MaxBias    = 1.0
)

// #region calibration
// Calibration is the mutable detection state for one anomaly type.
type Calibration struct {
	Type                 Type      `json:"anomaly_type"`
	Threshold            float64   `json:"threshold"`
	FalsePositivePenalty float64   `json:"false_positive_penalty"`
	ConfidenceBias       float64   `json:"confidence_bias"`
	LastUpdated          time.Time `json:"last_updated"`
	UpdateCount          int       `json:"update_count"`
	VersionID            string    `json:"version_id,omitempty"`
}

// DefaultCalibration returns the documented defaults for t.
func DefaultCalibration(t Type) Calibration {
	spec := specs[t]
	return Calibration{Type: t, Threshold: spec.Threshold}
}

// Clamp forces penalty, bias and threshold into their valid ranges.
func (c Calibration) Clamp() Calibration {
	c.FalsePositivePenalty = clamp(c.FalsePositivePenalty, 0, MaxPenalty)
	c.ConfidenceBias = clamp(c.ConfidenceBias, MinBias, MaxBias)
	if spec, ok := specs[c.Type]; ok && c.Threshold < spec.Floor {
		c.Threshold = spec.Floor
	}
	return c
}

// Validate rejects records that are out of range or not finite.
func (c Calibration) Validate() error {
	spec, ok := specs[c.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrCalibrationFault, c.Type)
	}
	for name, v := range map[string]float64{
		"threshold": c.Threshold,
		"penalty":   c.FalsePositivePenalty,
		"bias":      c.ConfidenceBias,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s %s is not finite", ErrCalibrationFault, c.Type, name)
		}
	}
	if c.Threshold < spec.Floor {
		return fmt.Errorf("%w: %s threshold %.4f below floor %.4f", ErrCalibrationFault, c.Type, c.Threshold, spec.Floor)
	}
	if c.FalsePositivePenalty < 0 || c.FalsePositivePenalty > MaxPenalty {
		return fmt.Errorf("%w: %s penalty %.4f outside [0, %.1f]", ErrCalibrationFault, c.Type, c.FalsePositivePenalty, MaxPenalty)
	}
	if c.ConfidenceBias < MinBias || c.ConfidenceBias > MaxBias {
		return fmt.Errorf("%w: %s bias %.4f outside [%.0f, %.0f]", ErrCalibrationFault, c.Type, c.ConfidenceBias, MinBias, MaxBias)
	}
	if c.UpdateCount < 0 {
		return fmt.Errorf("%w: %s negative update count", ErrCalibrationFault, c.Type)
	}
	return nil
}

// Apply adds d to c, rounded to six decimals, and clamps the result.
// UpdateCount is left to the store.
func (c Calibration) Apply(d Delta) Calibration {
	c.Threshold = round6(c.Threshold + d.ThresholdDelta)
	c.FalsePositivePenalty = round6(c.FalsePositivePenalty + d.PenaltyDelta)
	c.ConfidenceBias = round6(c.ConfidenceBias + d.BiasDelta)
	return c.Clamp()
}

// #endregion calibration

// #region delta
// Delta is a proposed change to one calibration record.
type Delta struct {
	ThresholdDelta float64 `json:"threshold_delta"`
	PenaltyDelta   float64 `json:"penalty_delta"`
	BiasDelta      float64 `json:"bias_delta"`
	Justification  string  `json:"justification"`
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool {
	return d.ThresholdDelta == 0 && d.PenaltyDelta == 0 && d.BiasDelta == 0
}

// #endregion delta

// #region snapshot
// Snapshot is an immutable view of every calibration record, taken once per
// run. Generation counts applied delta batches since the last reset.
// Approvals counts positive verdicts per type already learned since the last
// reset; the deterministic rule loosens once per ApprovalGuard of them.
type Snapshot struct {
	Records    map[Type]Calibration
	Generation int
	Approvals  map[Type]int
}

// DefaultSnapshot returns a snapshot holding defaults for every type.
func DefaultSnapshot() Snapshot {
	recs := make(map[Type]Calibration, len(Types))
	for _, t := range Types {
		recs[t] = DefaultCalibration(t)
	}
	return Snapshot{Records: recs}
}

// Get returns the record for t.
func (s Snapshot) Get(t Type) (Calibration, error) {
	c, ok := s.Records[t]
	if !ok {
		return Calibration{}, fmt.Errorf("%w: no record for %s", ErrCalibrationFault, t)
	}
	return c, nil
}

// With returns a copy of s with c replacing the record for c.Type.
func (s Snapshot) With(c Calibration) Snapshot {
	recs := make(map[Type]Calibration, len(s.Records)+1)
	for k, v := range s.Records {
		recs[k] = v
	}
	recs[c.Type] = c
	return Snapshot{Records: recs, Generation: s.Generation, Approvals: s.Approvals}
}

// WithApprovals returns a copy of s carrying counts as its learned approvals.
func (s Snapshot) WithApprovals(counts map[Type]int) Snapshot {
	out := s
	out.Approvals = make(map[Type]int, len(counts))
	for k, v := range counts {
		out.Approvals[k] = v
	}
	return out
}

// #endregion snapshot

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
