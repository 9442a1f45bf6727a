package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// #region gate
// Gate checks a proposal against hard vetoes before it reaches the store.
type Gate struct {
	config Config
}

// NewGate creates a gate with the given configuration.
func NewGate(config Config) *Gate {
	return &Gate{config: config}
}

// Evaluate vetoes the whole proposal when any delta is malformed or too large.
// Types are checked in their fixed order so the reported reason is stable.
func (g *Gate) Evaluate(p update.Proposal) Decision {
	var vetoes []VetoSignal

	for typ := range p.Deltas {
		if !typ.Valid() {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoUnknownType,
				Reason: fmt.Sprintf("delta for unknown type %q", typ),
			})
		}
	}

	for _, typ := range anomaly.Types {
		d, ok := p.Deltas[typ]
		if !ok {
			continue
		}
		spec, _ := anomaly.SpecFor(typ)

		if !finite(d.ThresholdDelta) || !finite(d.PenaltyDelta) || !finite(d.BiasDelta) {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoNonFinite,
				Reason: fmt.Sprintf("%s delta is not finite", typ),
			})
			continue
		}
		if math.Abs(d.PenaltyDelta) > g.config.MaxPenaltyDelta {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoPenaltyCap,
				Reason: fmt.Sprintf("%s penalty delta %.4f exceeds cap %.4f", typ, d.PenaltyDelta, g.config.MaxPenaltyDelta),
			})
		}
		if math.Abs(d.BiasDelta) > g.config.MaxBiasDelta {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoBiasCap,
				Reason: fmt.Sprintf("%s bias delta %.4f exceeds cap %.4f", typ, d.BiasDelta, g.config.MaxBiasDelta),
			})
		}
		if maxMove := spec.Step * g.config.MaxThresholdSteps; math.Abs(d.ThresholdDelta) > maxMove {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoThreshold,
				Reason: fmt.Sprintf("%s threshold delta %.4f exceeds cap %.4f", typ, d.ThresholdDelta, maxMove),
			})
		}
	}

	if len(vetoes) > 0 {
		return Decision{
			Action:      "reject",
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
		}
	}
	if p.Empty() {
		return Decision{Action: "no_op", Reason: "no calibration change"}
	}
	return Decision{
		Action: "commit",
		Reason: fmt.Sprintf("passed gate: %d type(s) changed", len(p.Deltas)),
	}
}

// Limit returns a copy of p with every finite delta component cut to the
// caps. Used on the deterministic proposal, which may sum past a cap when one
// batch carries many verdicts of the same kind.
func (g *Gate) Limit(p update.Proposal) update.Proposal {
	out := p
	out.Deltas = make(map[anomaly.Type]anomaly.Delta, len(p.Deltas))
	for typ, d := range p.Deltas {
		if spec, ok := anomaly.SpecFor(typ); ok {
			maxMove := spec.Step * g.config.MaxThresholdSteps
			d.ThresholdDelta = limit(d.ThresholdDelta, maxMove)
		}
		d.PenaltyDelta = limit(d.PenaltyDelta, g.config.MaxPenaltyDelta)
		d.BiasDelta = limit(d.BiasDelta, g.config.MaxBiasDelta)
		out.Deltas[typ] = d
	}
	return out
}

// #endregion gate

// #region helpers
func limit(v, capAbs float64) float64 {
	if !finite(v) {
		return v
	}
	return math.Max(-capAbs, math.Min(capAbs, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// #endregion helpers
