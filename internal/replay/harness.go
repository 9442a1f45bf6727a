package replay

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/detect"
	"github.com/danielpatrickdp/opsiq/internal/gate"
	"github.com/danielpatrickdp/opsiq/internal/orchestrator"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// Round actions.
const (
	ActionInitial = "initial"
	ActionCommit  = "commit"
	ActionLimited = "limited"
	ActionNoOp    = "no_op"
	ActionReject  = "reject"
)

// #region types
// Verdict is one reviewer verdict in a replay round. CaseID wins over
// AnomalyType; an AnomalyType alone selects every case of that type produced
// by the previous round.
type Verdict struct {
	CaseID      string
	AnomalyType anomaly.Type
	Verdict     anomaly.Verdict
}

// Round is one batch of feedback followed by a learn and a rerun.
type Round struct {
	Name     string
	Feedback []Verdict
}

// Config bundles the fixed parameters of every pipeline stage.
type Config struct {
	Detect  detect.Config
	Scoring scoring.Config
	Update  update.Config
	Gate    gate.Config
}

// DefaultConfig returns the package defaults of every stage.
func DefaultConfig() Config {
	return Config{
		Detect:  detect.DefaultConfig(),
		Scoring: scoring.DefaultConfig(),
		Update:  update.DefaultConfig(),
		Gate:    gate.DefaultConfig(),
	}
}

// RoundResult captures the outcome of replaying one round.
type RoundResult struct {
	Round     string
	Action    string
	Reason    string
	Judgments int
	Proposal  update.Proposal
	Decision  gate.Decision

	// State after the round.
	Snapshot anomaly.Snapshot
	Cases    []cases.Case
	Drops    []orchestrator.Drop
}

// Summary provides aggregate stats from a replay.
type Summary struct {
	Rounds  int
	Commits int
	Limited int
	NoOps   int
	Rejects int
	Cases   int // in the final round
	Final   anomaly.Snapshot
}

// #endregion types

// #region replay
// Replay runs the detection pipeline over records under start, then for each
// round turns its feedback into judgments, plans, gates and applies the
// deltas in memory and reruns. The first result is the initial run. Nothing
// is persisted, so equal inputs give equal results.
func Replay(ctx context.Context, start anomaly.Snapshot, records []signals.Record, rounds []Round, cfg Config) ([]RoundResult, error) {
	batch := signals.NewBatch(records)
	detectors := detect.All(cfg.Detect)
	g := gate.NewGate(cfg.Gate)

	snap := start
	out, err := orchestrator.BuildCases(ctx, detectors, batch, snap, cfg.Scoring, nil)
	if err != nil {
		return nil, fmt.Errorf("initial run: %w", err)
	}
	results := make([]RoundResult, 0, len(rounds)+1)
	results = append(results, RoundResult{
		Round:    ActionInitial,
		Action:   ActionInitial,
		Snapshot: snap,
		Cases:    out.Cases,
		Drops:    out.Drops,
	})

	current := out.Cases
	var seq int64
	for i, r := range rounds {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("round-%d", i+1)
		}

		js := judge(r.Feedback, current, &seq)
		p := update.Plan(js, snap, cfg.Update)
		d := g.Evaluate(p)
		action := d.Action
		if d.Vetoed {
			p = g.Limit(p)
			d = g.Evaluate(p)
			action = ActionLimited
		}
		if d.Vetoed {
			action = ActionReject
		} else {
			snap = apply(snap, p.Deltas)
			snap = snap.WithApprovals(countApprovals(snap.Approvals, js))
		}

		out, err := orchestrator.BuildCases(ctx, detectors, batch, snap, cfg.Scoring, nil)
		if err != nil {
			return results, fmt.Errorf("%s: %w", name, err)
		}
		current = out.Cases
		results = append(results, RoundResult{
			Round:     name,
			Action:    action,
			Reason:    d.Reason,
			Judgments: len(js),
			Proposal:  p,
			Decision:  d,
			Snapshot:  snap,
			Cases:     out.Cases,
			Drops:     out.Drops,
		})
	}
	return results, nil
}

// judge resolves verdicts against the cases of the previous round. Verdicts
// that match nothing become judgments with no type, which the planner skips.
func judge(fb []Verdict, current []cases.Case, seq *int64) []update.Judgment {
	var js []update.Judgment
	for _, v := range fb {
		var matched []cases.Case
		for _, c := range current {
			if (v.CaseID != "" && c.CaseID == v.CaseID) || (v.CaseID == "" && c.AnomalyType == v.AnomalyType) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			*seq++
			js = append(js, update.Judgment{Seq: *seq, CaseID: v.CaseID, Verdict: v.Verdict})
			continue
		}
		for _, c := range matched {
			*seq++
			js = append(js, update.Judgment{
				Seq:        *seq,
				CaseID:     c.CaseID,
				Type:       c.AnomalyType,
				Verdict:    v.Verdict,
				Confidence: c.Confidence,
			})
		}
	}
	return js
}

// countApprovals adds the positive judgments of js to prior.
func countApprovals(prior map[anomaly.Type]int, js []update.Judgment) map[anomaly.Type]int {
	out := make(map[anomaly.Type]int, len(prior))
	for t, n := range prior {
		out[t] = n
	}
	for _, j := range js {
		if j.Type != "" && j.Verdict.Positive() {
			out[j.Type]++
		}
	}
	return out
}

// apply is the in-memory counterpart of the memory store's Apply.
func apply(snap anomaly.Snapshot, deltas map[anomaly.Type]anomaly.Delta) anomaly.Snapshot {
	changed := false
	for _, t := range anomaly.Types {
		d, ok := deltas[t]
		if !ok || d.IsZero() {
			continue
		}
		old, err := snap.Get(t)
		if err != nil {
			continue
		}
		next := old.Apply(d)
		next.UpdateCount = old.UpdateCount + 1
		snap = snap.With(next)
		changed = true
	}
	if changed {
		snap.Generation++
	}
	return snap
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []RoundResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Action {
		case ActionInitial:
			continue
		case ActionCommit:
			s.Commits++
		case ActionLimited:
			s.Limited++
		case ActionNoOp:
			s.NoOps++
		case ActionReject:
			s.Rejects++
		}
		s.Rounds++
	}
	if n := len(results); n > 0 {
		s.Cases = len(results[n-1].Cases)
		s.Final = results[n-1].Snapshot
	}
	return s
}

// #endregion replay
