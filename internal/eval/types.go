package eval

import (
	"context"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// Advice sources.
const (
	AdviceHeuristic = "heuristic"
	AdviceReasoning = "reasoning"
)

// #region eval-config
// Config holds the evaluator weights.
type Config struct {
	OverconfidenceWeight float64 `koanf:"overconfidence_weight" validate:"gte=0,lte=1"`
	AdviceLimit          int     `koanf:"advice_limit" validate:"gte=1"`
}

// DefaultConfig returns the documented weights.
func DefaultConfig() Config {
	return Config{
		OverconfidenceWeight: 0.5,
		AdviceLimit:          5,
	}
}

// #endregion eval-config

// #region type-stats
// TypeStats summarises the judgments for one anomaly type.
type TypeStats struct {
	Type              anomaly.Type `json:"anomaly_type"`
	Feedback          int          `json:"feedback"`
	FalsePositives    int          `json:"false_positives"`
	Negatives         int          `json:"negatives"`
	Positives         int          `json:"positives"`
	HighConfNegatives int          `json:"high_confidence_negatives"`
	Score             float64      `json:"calibration_score"`
}

// #endregion type-stats

// #region evaluation
// Evaluation is one stored evaluator result.
type Evaluation struct {
	EvaluationID      string      `json:"evaluation_id"`
	RunID             string      `json:"run_id"`
	CalibrationScore  float64     `json:"calibration_score"`
	FalsePositiveRate float64     `json:"false_positive_rate"`
	Overconfidence    float64     `json:"overconfidence"`
	FeedbackCount     int         `json:"feedback_count"`
	CaseCount         int         `json:"case_count"`
	PerType           []TypeStats `json:"per_type"`
	Advice            []string    `json:"advice"`
	AdviceSource      string      `json:"advice_source"`
	FeedbackCursor    int64       `json:"feedback_cursor"`
	GeneratedAt       time.Time   `json:"generated_at"`
}

// #endregion evaluation

// #region advisor
// AdviceInput is what an advisor sees: the computed statistics and the
// calibration they were measured under.
type AdviceInput struct {
	Evaluation Evaluation       `json:"evaluation"`
	Snapshot   anomaly.Snapshot `json:"snapshot"`
}

// Advisor produces calibration advice. Errors are never surfaced to callers;
// the evaluator falls back to HeuristicAdvice.
type Advisor interface {
	CalibrationAdvice(ctx context.Context, in AdviceInput) ([]string, error)
}

// #endregion advisor
