package eval

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region evaluator
// Evaluator scores how well current calibration matches reviewer judgments.
type Evaluator struct {
	config  Config
	advisor Advisor
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator. advisor may be nil.
func NewEvaluator(config Config, advisor Advisor, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{config: config, advisor: advisor, logger: logger}
}

// Input is one evaluation request.
type Input struct {
	RunID     string
	CaseCount int
	Judgments []update.Judgment
	Snapshot  anomaly.Snapshot
}

// Run computes the statistics and attaches advice. The advisor is tried first;
// on error or empty output the heuristic templates are used.
func (e *Evaluator) Run(ctx context.Context, in Input) Evaluation {
	ev := Compute(in.Judgments, e.config)
	ev.EvaluationID = uuid.New().String()
	ev.RunID = in.RunID
	ev.CaseCount = in.CaseCount
	ev.GeneratedAt = time.Now().UTC()

	ev.Advice = HeuristicAdvice(ev, in.Snapshot, e.config.AdviceLimit)
	ev.AdviceSource = AdviceHeuristic
	if e.advisor != nil {
		advice, err := e.advisor.CalibrationAdvice(ctx, AdviceInput{Evaluation: ev, Snapshot: in.Snapshot})
		switch {
		case err != nil:
			e.logger.Warn("calibration advice unavailable, using heuristics", zap.Error(err))
		case len(advice) > 0:
			if len(advice) > e.config.AdviceLimit {
				advice = advice[:e.config.AdviceLimit]
			}
			ev.Advice = advice
			ev.AdviceSource = AdviceReasoning
		}
	}
	return ev
}

// #endregion evaluator

// #region compute
// Compute is the pure part of an evaluation.
//
//	false_positive_rate = fp / total
//	overconfidence      = negative verdicts on high-confidence cases / total
//	calibration_score   = (1 - fpr) * (1 - w * overconfidence), clamped to [0, 1]
func Compute(judgments []update.Judgment, cfg Config) Evaluation {
	byType := map[anomaly.Type]*TypeStats{}
	var total, fp, overconf int
	var cursor int64

	for _, j := range judgments {
		if j.Seq > cursor {
			cursor = j.Seq
		}
		if !j.Verdict.Valid() {
			continue
		}
		total++
		st := byType[j.Type]
		if st == nil {
			st = &TypeStats{Type: j.Type}
			byType[j.Type] = st
		}
		st.Feedback++
		if j.Verdict == anomaly.FalsePositive {
			fp++
			st.FalsePositives++
		}
		if j.Verdict.Negative() {
			st.Negatives++
			if j.Confidence == anomaly.High {
				overconf++
				st.HighConfNegatives++
			}
		}
		if j.Verdict.Positive() {
			st.Positives++
		}
	}

	ev := Evaluation{FeedbackCount: total, FeedbackCursor: cursor, PerType: []TypeStats{}}
	ev.FalsePositiveRate, ev.Overconfidence, ev.CalibrationScore = score(total, fp, overconf, cfg)

	for _, typ := range sortedTypes(byType) {
		st := byType[typ]
		_, _, st.Score = score(st.Feedback, st.FalsePositives, st.HighConfNegatives, cfg)
		ev.PerType = append(ev.PerType, *st)
	}
	return ev
}

func score(total, fp, overconf int, cfg Config) (fpr, oc, calibration float64) {
	if total == 0 {
		return 0, 0, 1
	}
	fpr = float64(fp) / float64(total)
	oc = float64(overconf) / float64(total)
	calibration = (1 - fpr) * (1 - cfg.OverconfidenceWeight*oc)
	return fpr, oc, min(max(calibration, 0), 1)
}

// sortedTypes keeps known types in their fixed order and unknown ones after.
func sortedTypes(m map[anomaly.Type]*TypeStats) []anomaly.Type {
	keys := make([]anomaly.Type, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b anomaly.Type) int {
		return cmp.Or(cmp.Compare(typeIndex(a), typeIndex(b)), cmp.Compare(a, b))
	})
	return keys
}

func typeIndex(t anomaly.Type) int {
	if i := slices.Index(anomaly.Types, t); i >= 0 {
		return i
	}
	return len(anomaly.Types)
}

// #endregion compute

// #region heuristic-advice
// HeuristicAdvice renders deterministic advice, worst-calibrated types first.
func HeuristicAdvice(ev Evaluation, snap anomaly.Snapshot, limit int) []string {
	stats := slices.Clone(ev.PerType)
	slices.SortStableFunc(stats, func(a, b TypeStats) int {
		return cmp.Compare(a.Score, b.Score)
	})

	var advice []string
	for _, st := range stats {
		if !st.Type.Valid() {
			continue
		}
		c, err := snap.Get(st.Type)
		if err != nil {
			c = anomaly.DefaultCalibration(st.Type)
		}
		spec, _ := anomaly.SpecFor(st.Type)
		if st.FalsePositives > 0 {
			advice = append(advice, fmt.Sprintf(
				"%s: %d of %d judgments were false positives (penalty %.2f); consider tightening the threshold from %g to %g %s",
				st.Type, st.FalsePositives, st.Feedback, c.FalsePositivePenalty,
				c.Threshold, c.Threshold+spec.Tighten*spec.Step, spec.Unit))
		}
		if st.HighConfNegatives > 0 {
			advice = append(advice, fmt.Sprintf(
				"%s: %d high-confidence cases were judged negative; confidence may be over-calibrated (bias %.2f)",
				st.Type, st.HighConfNegatives, c.ConfidenceBias))
		}
		if st.Negatives == 0 && st.Positives > 0 {
			advice = append(advice, fmt.Sprintf("%s: %d cases confirmed; calibration holding", st.Type, st.Positives))
		}
	}
	if len(advice) == 0 {
		advice = append(advice, "No feedback yet; baseline evaluation")
	}
	if limit > 0 && len(advice) > limit {
		advice = advice[:limit]
	}
	return advice
}

// #endregion heuristic-advice
