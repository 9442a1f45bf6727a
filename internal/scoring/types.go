package scoring

import "github.com/danielpatrickdp/opsiq/internal/anomaly"

// #region config
// Config holds the fixed banding constants of the scoring engine.
type Config struct {
	MaxScore         float64 `koanf:"max_score" validate:"gt=0"`                            // raw confidence scores are clipped to [0, MaxScore]
	MediumConfidence float64 `koanf:"medium_confidence" validate:"gte=0"`                   // raw score at or above this is at least medium
	HighConfidence   float64 `koanf:"high_confidence" validate:"gtefield=MediumConfidence"` // raw score above this is high
	MediumImpact     float64 `koanf:"medium_impact" validate:"gte=0"`                       // impact at or above this is at least medium
	HighImpact       float64 `koanf:"high_impact" validate:"gtefield=MediumImpact"`         // impact at or above this is high
}

// DefaultConfig returns the documented bands: confidence 1x/2x of threshold,
// impact $50/$200.
func DefaultConfig() Config {
	return Config{
		MaxScore:         3,
		MediumConfidence: 1,
		HighConfidence:   2,
		MediumImpact:     50,
		HighImpact:       200,
	}
}
// #endregion config

// #region rationale
// Rationale records every factor that produced a score.
type Rationale struct {
	AnomalyType      anomaly.Type `json:"anomaly_type"`
	Threshold        float64      `json:"threshold"`
	ThresholdUnit    string       `json:"threshold_unit"`
	Penalty          float64      `json:"false_positive_penalty"`
	Bias             float64      `json:"confidence_bias"`
	Ratio            float64      `json:"ratio"`
	RawScore         float64      `json:"raw_score"`
	ConfidenceScore  float64      `json:"confidence_score"`
	RawMagnitude     float64      `json:"raw_magnitude"`
	ImpactRank       int          `json:"impact_rank"`
	ConfidenceRank   int          `json:"confidence_rank"`
	SeverityRank     int          `json:"severity_rank"`
	MediumImpact     float64      `json:"medium_impact_band"`
	HighImpact       float64      `json:"high_impact_band"`
	MemoryVersion    int          `json:"memory_version"`
	MemoryGeneration int          `json:"memory_generation"`
}
// #endregion rationale

// #region result
// Result is the output of Score.
type Result struct {
	Severity        anomaly.Level
	Confidence      anomaly.Level
	ConfidenceScore float64 // normalised to [0, 1]
	Impact          float64
	Rationale       Rationale
}
// #endregion result
