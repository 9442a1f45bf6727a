package update

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/state"
)

// #region plan
// Plan is the deterministic feedback rule. It is a pure function of the
// judgments, the snapshot and cfg.
//
//	false_positive     penalty += PenaltyStep
//	approve / useful   penalty -= RewardStep; every ApprovalGuard of them loosens the threshold
//	reject / not_useful threshold tightens by one step
//
// Approvals count across batches: snap.Approvals holds the ones already
// learned, and the threshold loosens each time the running total crosses a
// multiple of ApprovalGuard.
func Plan(judgments []Judgment, snap anomaly.Snapshot, cfg Config) Proposal {
	type tally struct {
		delta     anomaly.Delta
		fp        int
		approvals int
		rejects   int
	}
	tallies := map[anomaly.Type]*tally{}
	p := Proposal{Deltas: map[anomaly.Type]anomaly.Delta{}, Source: state.SourceFeedback}

	for _, j := range judgments {
		if j.Seq > p.Cursor {
			p.Cursor = j.Seq
		}
		spec, ok := anomaly.SpecFor(j.Type)
		if !ok {
			p.Skipped = append(p.Skipped, j.CaseID)
			continue
		}
		t := tallies[j.Type]
		if t == nil {
			t = &tally{}
			tallies[j.Type] = t
		}
		switch {
		case j.Verdict == anomaly.FalsePositive:
			t.delta.PenaltyDelta += cfg.PenaltyStep
			t.fp++
		case j.Verdict.Positive():
			t.delta.PenaltyDelta -= cfg.RewardStep
			t.approvals++
		case j.Verdict.Negative():
			t.delta.ThresholdDelta += spec.Tighten * spec.Step
			t.rejects++
		}
	}

	for _, typ := range anomaly.Types {
		t := tallies[typ]
		if t == nil {
			continue
		}
		if n := loosens(snap.Approvals[typ], t.approvals, cfg.ApprovalGuard); n > 0 {
			spec, _ := anomaly.SpecFor(typ)
			t.delta.ThresholdDelta -= float64(n) * spec.Tighten * spec.Step * cfg.LoosenFactor
		}
		t.delta.Justification = justify(t.fp, t.approvals, t.rejects)
		p.Deltas[typ] = t.delta
	}
	return Clip(p, snap)
}

// loosens is the number of guard multiples crossed going from prior to
// prior+batch approvals.
func loosens(prior, batch, guard int) int {
	if guard < 1 || batch <= 0 {
		return 0
	}
	return (prior+batch)/guard - prior/guard
}

func justify(fp, approvals, rejects int) string {
	var parts []string
	if fp > 0 {
		parts = append(parts, fmt.Sprintf("%d false positive", fp))
	}
	if approvals > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", approvals))
	}
	if rejects > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected", rejects))
	}
	return strings.Join(parts, ", ")
}
// #endregion plan

// #region clip
// Clip rewrites every delta so that applying it to snap lands inside the
// record bounds, and drops types whose clipped delta is zero.
func Clip(p Proposal, snap anomaly.Snapshot) Proposal {
	out := p
	out.Deltas = make(map[anomaly.Type]anomaly.Delta, len(p.Deltas))
	for typ, d := range p.Deltas {
		old, err := snap.Get(typ)
		if err != nil {
			old = anomaly.DefaultCalibration(typ)
		}
		next := old.Apply(d)
		clipped := anomaly.Delta{
			ThresholdDelta: round6(next.Threshold - old.Threshold),
			PenaltyDelta:   round6(next.FalsePositivePenalty - old.FalsePositivePenalty),
			BiasDelta:      round6(next.ConfidenceBias - old.ConfidenceBias),
			Justification:  d.Justification,
		}
		if clipped.IsZero() {
			continue
		}
		out.Deltas[typ] = clipped
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
// #endregion clip

// #region planner
// Planner adapts Plan to the Proposer contract.
type Planner struct {
	cfg Config
}

// NewPlanner creates a planner with the given step sizes.
func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// ProposeMemoryDeltas implements Proposer. It never fails.
func (p *Planner) ProposeMemoryDeltas(_ context.Context, judgments []Judgment, snap anomaly.Snapshot) (Proposal, error) {
	return Plan(judgments, snap, p.cfg), nil
}
// #endregion planner
