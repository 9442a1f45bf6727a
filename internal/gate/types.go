package gate

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoUnknownType VetoType = "unknown_type"
	VetoNonFinite   VetoType = "non_finite"
	VetoPenaltyCap  VetoType = "penalty_cap"
	VetoBiasCap     VetoType = "bias_cap"
	VetoThreshold   VetoType = "threshold_cap"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-signal

// #region gate-config
// Config holds the per-delta caps.
type Config struct {
	MaxPenaltyDelta   float64 `koanf:"max_penalty_delta" validate:"gt=0"`
	MaxBiasDelta      float64 `koanf:"max_bias_delta" validate:"gt=0"`
	MaxThresholdSteps float64 `koanf:"max_threshold_steps" validate:"gt=0"` // in units of the type's step
}

// DefaultConfig returns the documented caps.
func DefaultConfig() Config {
	return Config{
		MaxPenaltyDelta:   0.5,
		MaxBiasDelta:      1.0,
		MaxThresholdSteps: 4,
	}
}

// #endregion gate-config

// #region gate-decision
// Decision is the output of the gate evaluation.
type Decision struct {
	Action      string       `json:"action"` // "commit" | "reject" | "no_op"
	Reason      string       `json:"reason"`
	Vetoed      bool         `json:"vetoed"`
	VetoSignals []VetoSignal `json:"veto_signals,omitempty"`
}

// #endregion gate-decision
