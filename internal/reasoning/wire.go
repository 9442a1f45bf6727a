package reasoning

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// Payloads shared by the remote strategies. Both the chat prompt and the gRPC
// Struct carry these shapes as JSON.

type calibrationView struct {
	Type      anomaly.Type `json:"anomaly_type"`
	Threshold float64      `json:"threshold"`
	Unit      string       `json:"threshold_unit"`
	Step      float64      `json:"threshold_step"`
	Tighten   float64      `json:"tighten_direction"`
	Floor     float64      `json:"threshold_floor"`
	Penalty   float64      `json:"false_positive_penalty"`
	Bias      float64      `json:"confidence_bias"`
	Updates   int          `json:"update_count"`
}

type proposeRequest struct {
	Judgments   []update.Judgment `json:"judgments"`
	Calibration []calibrationView `json:"calibration"`
}

type proposeResponse struct {
	Deltas map[anomaly.Type]anomaly.Delta `json:"deltas"`
}

type adviceRequest struct {
	Evaluation  eval.Evaluation   `json:"evaluation"`
	Calibration []calibrationView `json:"calibration"`
}

type adviceResponse struct {
	Advice []string `json:"advice"`
}

func viewOf(snap anomaly.Snapshot) []calibrationView {
	out := make([]calibrationView, 0, len(anomaly.Types))
	for _, t := range anomaly.Types {
		c, err := snap.Get(t)
		if err != nil {
			c = anomaly.DefaultCalibration(t)
		}
		spec, _ := anomaly.SpecFor(t)
		out = append(out, calibrationView{
			Type:      t,
			Threshold: c.Threshold,
			Unit:      spec.Unit,
			Step:      spec.Step,
			Tighten:   spec.Tighten,
			Floor:     spec.Floor,
			Penalty:   c.FalsePositivePenalty,
			Bias:      c.ConfidenceBias,
			Updates:   c.UpdateCount,
		})
	}
	return out
}

// toProposal checks a decoded response and stamps the cursor from the
// judgments, never from the remote side.
func toProposal(resp proposeResponse, judgments []update.Judgment, snap anomaly.Snapshot) (update.Proposal, error) {
	p := update.Proposal{Deltas: map[anomaly.Type]anomaly.Delta{}, Source: state.SourceReasoning}
	for _, j := range judgments {
		p.Cursor = max(p.Cursor, j.Seq)
		if !j.Type.Valid() {
			p.Skipped = append(p.Skipped, j.CaseID)
		}
	}
	for t, d := range resp.Deltas {
		if !t.Valid() {
			return update.Proposal{}, fmt.Errorf("%w: delta for unknown type %q", anomaly.ErrReasoningUnavailable, t)
		}
		for _, v := range []float64{d.ThresholdDelta, d.PenaltyDelta, d.BiasDelta} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return update.Proposal{}, fmt.Errorf("%w: %s delta not finite", anomaly.ErrReasoningUnavailable, t)
			}
		}
		p.Deltas[t] = d
	}
	return update.Clip(p, snap), nil
}
