package scoring

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// #region score
// Score turns one evidence item into severity, confidence and impact under a
// calibration snapshot. It is pure: the same evidence and snapshot always give
// the same result.
//
//	raw        = clip(ratio + bias, 0, MaxScore)
//	confidence = low below MediumConfidence, high above HighConfidence
//	impact     = magnitude * (1 - penalty), rounded to cents
//	severity   = min(impact rank, confidence rank + 1)
func Score(ev anomaly.Evidence, snap anomaly.Snapshot, cfg Config) (Result, error) {
	if !ev.Type.Valid() {
		return Result{}, fmt.Errorf("%w: unknown anomaly type %q", anomaly.ErrScoringFault, ev.Type)
	}
	if !finite(ev.RawMagnitude) || ev.RawMagnitude < 0 {
		return Result{}, fmt.Errorf("%w: %s magnitude %v", anomaly.ErrScoringFault, ev.Type, ev.RawMagnitude)
	}
	if !finite(ev.Ratio) || ev.Ratio < 0 {
		return Result{}, fmt.Errorf("%w: %s ratio %v", anomaly.ErrScoringFault, ev.Type, ev.Ratio)
	}
	cal, err := snap.Get(ev.Type)
	if err != nil {
		return Result{}, err
	}
	spec, _ := anomaly.SpecFor(ev.Type)

	raw := clip(ev.Ratio+cal.ConfidenceBias, 0, cfg.MaxScore)
	confRank := confidenceRank(raw, cfg)

	impact := math.Round(ev.RawMagnitude*(1-cal.FalsePositivePenalty)*100) / 100
	impRank := impactRank(impact, cfg)
	sevRank := min(impRank, confRank+1)

	var confScore float64
	if cfg.MaxScore > 0 {
		confScore = math.Round(raw/cfg.MaxScore*10000) / 10000
	}

	return Result{
		Severity:        anomaly.LevelFromRank(sevRank),
		Confidence:      anomaly.LevelFromRank(confRank),
		ConfidenceScore: confScore,
		Impact:          impact,
		Rationale: Rationale{
			AnomalyType:      ev.Type,
			Threshold:        cal.Threshold,
			ThresholdUnit:    spec.Unit,
			Penalty:          cal.FalsePositivePenalty,
			Bias:             cal.ConfidenceBias,
			Ratio:            math.Round(ev.Ratio*10000) / 10000,
			RawScore:         math.Round(raw*10000) / 10000,
			ConfidenceScore:  confScore,
			RawMagnitude:     ev.RawMagnitude,
			ImpactRank:       impRank,
			ConfidenceRank:   confRank,
			SeverityRank:     sevRank,
			MediumImpact:     cfg.MediumImpact,
			HighImpact:       cfg.HighImpact,
			MemoryVersion:    cal.UpdateCount,
			MemoryGeneration: snap.Generation,
		},
	}, nil
}
// #endregion score

// #region helpers
func confidenceRank(raw float64, cfg Config) int {
	switch {
	case raw > cfg.HighConfidence:
		return 2
	case raw >= cfg.MediumConfidence:
		return 1
	default:
		return 0
	}
}

func impactRank(impact float64, cfg Config) int {
	switch {
	case impact >= cfg.HighImpact:
		return 2
	case impact >= cfg.MediumImpact:
		return 1
	default:
		return 0
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
// #endregion helpers
