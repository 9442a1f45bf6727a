package replay

import (
	"fmt"
	"math"
	"os"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"gopkg.in/yaml.v3"
)

// ImpactTolerance is the largest impact difference Compare accepts.
const ImpactTolerance = 0.005

// #region fixture-types

// Fixture is the top-level YAML structure for a replay fixture.
type Fixture struct {
	Description string               `yaml:"description"`
	Config      FixtureConfig        `yaml:"config,omitempty"`
	Memory      []FixtureCalibration `yaml:"memory,omitempty"`
	Records     []signals.Record     `yaml:"records"`
	Initial     FixtureExpect        `yaml:"initial"`
	Rounds      []FixtureRound       `yaml:"rounds,omitempty"`
}

// FixtureCalibration overrides the default record of one type. Unset fields
// keep the default.
type FixtureCalibration struct {
	AnomalyType          anomaly.Type `yaml:"anomaly_type"`
	Threshold            *float64     `yaml:"threshold,omitempty"`
	FalsePositivePenalty *float64     `yaml:"false_positive_penalty,omitempty"`
	ConfidenceBias       *float64     `yaml:"confidence_bias,omitempty"`
	UpdateCount          int          `yaml:"update_count,omitempty"`
}

// FixtureRound is one feedback round and what it should produce.
type FixtureRound struct {
	Name     string            `yaml:"name"`
	Feedback []FixtureFeedback `yaml:"feedback"`
	Expect   FixtureExpect     `yaml:"expect"`
}

// FixtureFeedback mirrors Verdict with YAML tags.
type FixtureFeedback struct {
	CaseID      string          `yaml:"case_id,omitempty"`
	AnomalyType anomaly.Type    `yaml:"anomaly_type,omitempty"`
	Verdict     anomaly.Verdict `yaml:"verdict"`
}

// FixtureExpect is the expected outcome of a round. Empty fields are not
// checked.
type FixtureExpect struct {
	Action string         `yaml:"action,omitempty"`
	Cases  []ExpectedCase `yaml:"cases"`
}

// ExpectedCase is one expected case, in rank order.
type ExpectedCase struct {
	CaseID      string        `yaml:"case_id,omitempty"`
	AnomalyType anomaly.Type  `yaml:"anomaly_type"`
	Impact      float64       `yaml:"impact"`
	Severity    anomaly.Level `yaml:"severity,omitempty"`
	Confidence  anomaly.Level `yaml:"confidence,omitempty"`
}

// FixtureConfig overrides update and gate constants. Zero values keep the
// defaults.
type FixtureConfig struct {
	PenaltyStep     float64 `yaml:"penalty_step,omitempty"`
	RewardStep      float64 `yaml:"reward_step,omitempty"`
	ApprovalGuard   int     `yaml:"approval_guard,omitempty"`
	MaxPenaltyDelta float64 `yaml:"max_penalty_delta,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture encodes f as YAML at path.
func WriteFixture(path string, f *Fixture) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Snapshot builds the starting snapshot: defaults with the fixture overrides.
func (f *Fixture) Snapshot() (anomaly.Snapshot, error) {
	snap := anomaly.DefaultSnapshot()
	for _, m := range f.Memory {
		c, err := snap.Get(m.AnomalyType)
		if err != nil {
			return anomaly.Snapshot{}, err
		}
		if m.Threshold != nil {
			c.Threshold = *m.Threshold
		}
		if m.FalsePositivePenalty != nil {
			c.FalsePositivePenalty = *m.FalsePositivePenalty
		}
		if m.ConfidenceBias != nil {
			c.ConfidenceBias = *m.ConfidenceBias
		}
		c.UpdateCount = m.UpdateCount
		if err := c.Validate(); err != nil {
			return anomaly.Snapshot{}, err
		}
		snap = snap.With(c)
	}
	return snap, nil
}

// ToRounds converts the fixture rounds to domain rounds.
func (f *Fixture) ToRounds() []Round {
	rounds := make([]Round, len(f.Rounds))
	for i, fr := range f.Rounds {
		rounds[i] = Round{Name: fr.Name}
		for _, fb := range fr.Feedback {
			rounds[i].Feedback = append(rounds[i].Feedback, Verdict{
				CaseID: fb.CaseID, AnomalyType: fb.AnomalyType, Verdict: fb.Verdict,
			})
		}
	}
	return rounds
}

// ToConfig applies the fixture overrides to the defaults.
func (f *Fixture) ToConfig() Config {
	cfg := DefaultConfig()
	if f.Config.PenaltyStep != 0 {
		cfg.Update.PenaltyStep = f.Config.PenaltyStep
	}
	if f.Config.RewardStep != 0 {
		cfg.Update.RewardStep = f.Config.RewardStep
	}
	if f.Config.ApprovalGuard != 0 {
		cfg.Update.ApprovalGuard = f.Config.ApprovalGuard
	}
	if f.Config.MaxPenaltyDelta != 0 {
		cfg.Gate.MaxPenaltyDelta = f.Config.MaxPenaltyDelta
	}
	return cfg
}

// Expect captures cs as an expectation, for exporting fixtures.
func Expect(cs []cases.Case) FixtureExpect {
	exp := FixtureExpect{Cases: make([]ExpectedCase, 0, len(cs))}
	for _, c := range cs {
		exp.Cases = append(exp.Cases, ExpectedCase{
			CaseID:      c.CaseID,
			AnomalyType: c.AnomalyType,
			Impact:      c.ImpactEstimate,
			Severity:    c.Severity,
			Confidence:  c.Confidence,
		})
	}
	return exp
}

// #endregion fixture-loader

// #region compare

// Mismatch is one difference between a fixture and a replay.
type Mismatch struct {
	Round string
	Field string
	Want  string
	Got   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s want %s, got %s", m.Round, m.Field, m.Want, m.Got)
}

// Compare checks replay results against the fixture expectations. results
// must come from replaying f.
func Compare(f *Fixture, results []RoundResult) []Mismatch {
	expects := make([]FixtureExpect, 0, len(f.Rounds)+1)
	expects = append(expects, f.Initial)
	for _, r := range f.Rounds {
		expects = append(expects, r.Expect)
	}
	if len(results) != len(expects) {
		return []Mismatch{{Round: "replay", Field: "rounds", Want: fmt.Sprint(len(expects)), Got: fmt.Sprint(len(results))}}
	}

	var out []Mismatch
	for i, exp := range expects {
		res := results[i]
		add := func(field string, want, got any) {
			out = append(out, Mismatch{Round: res.Round, Field: field, Want: fmt.Sprint(want), Got: fmt.Sprint(got)})
		}
		if exp.Action != "" && exp.Action != res.Action {
			add("action", exp.Action, res.Action)
		}
		if len(exp.Cases) != len(res.Cases) {
			add("case count", len(exp.Cases), len(res.Cases))
			continue
		}
		for j, want := range exp.Cases {
			got := res.Cases[j]
			prefix := fmt.Sprintf("case %d ", j+1)
			if want.AnomalyType != got.AnomalyType {
				add(prefix+"anomaly_type", want.AnomalyType, got.AnomalyType)
			}
			if want.CaseID != "" && want.CaseID != got.CaseID {
				add(prefix+"case_id", want.CaseID, got.CaseID)
			}
			if math.Abs(want.Impact-got.ImpactEstimate) > ImpactTolerance {
				add(prefix+"impact", fmt.Sprintf("%.2f", want.Impact), fmt.Sprintf("%.2f", got.ImpactEstimate))
			}
			if want.Severity != "" && want.Severity != got.Severity {
				add(prefix+"severity", want.Severity, got.Severity)
			}
			if want.Confidence != "" && want.Confidence != got.Confidence {
				add(prefix+"confidence", want.Confidence, got.Confidence)
			}
		}
	}
	return out
}

// #endregion compare
