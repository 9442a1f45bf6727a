package reasoning

import (
	"context"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// Deterministic is the rule-based strategy and the fallback of every other one.
type Deterministic struct {
	planner     *update.Planner
	adviceLimit int
}

// NewDeterministic creates the rule-based strategy.
func NewDeterministic(updateCfg update.Config, evalCfg eval.Config) *Deterministic {
	return &Deterministic{planner: update.NewPlanner(updateCfg), adviceLimit: evalCfg.AdviceLimit}
}

func (d *Deterministic) Name() string { return ProviderNone }

func (d *Deterministic) Close() error { return nil }

// ProposeMemoryDeltas applies the feedback rule.
func (d *Deterministic) ProposeMemoryDeltas(ctx context.Context, judgments []update.Judgment, snap anomaly.Snapshot) (update.Proposal, error) {
	return d.planner.ProposeMemoryDeltas(ctx, judgments, snap)
}

// CalibrationAdvice renders the heuristic templates.
func (d *Deterministic) CalibrationAdvice(_ context.Context, in eval.AdviceInput) ([]string, error) {
	return eval.HeuristicAdvice(in.Evaluation, in.Snapshot, d.adviceLimit), nil
}
