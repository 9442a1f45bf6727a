package replay

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/google/go-cmp/cmp"
)

// #region helpers

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func refund(id, cust string, amount float64, at time.Time) signals.Record {
	return signals.Record{ID: id, Kind: signals.KindRefund, Timestamp: at, Fields: map[string]string{
		"refund_id": id, "customer_id": cust, "amount": fmt.Sprintf("%.2f", amount),
		"refund_date": at.Format("2006-01-02 15:04:05"),
	}}
}

func records() []signals.Record {
	return []signals.Record{
		{ID: "C1", Kind: signals.KindCustomer, Fields: map[string]string{"customer_id": "C1", "customer_name": "Acme", "region": "us-east"}},
		refund("R1", "C1", 50, t0),
		refund("R2", "C1", 50, t0.Add(3*time.Minute)),
	}
}

func fp(typ anomaly.Type) Round {
	return Round{Feedback: []Verdict{{AnomalyType: typ, Verdict: anomaly.FalsePositive}}}
}

func penalty(t *testing.T, snap anomaly.Snapshot, typ anomaly.Type) float64 {
	t.Helper()
	c, err := snap.Get(typ)
	if err != nil {
		t.Fatal(err)
	}
	return c.FalsePositivePenalty
}

// #endregion helpers

// #region fixture-tests

// TestFixture_DuplicateRefund replays the checked-in fixture and compares each
// round against its expectations. Changes to steps, caps or scoring show up
// here first.
func TestFixture_DuplicateRefund(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "duplicate_refund.yaml"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	start, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	results, err := Replay(context.Background(), start, f.Records, f.ToRounds(), f.ToConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, m := range Compare(f, results) {
		t.Error(m)
	}
}

func TestLoadFixture_NotFound(t *testing.T) {
	if _, err := LoadFixture("testdata/missing.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFixture_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("records: [unclosed"), 0o644)
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestFixtureSnapshotOverrides(t *testing.T) {
	threshold, pen := 10.0, 0.3
	f := &Fixture{Memory: []FixtureCalibration{
		{AnomalyType: anomaly.DuplicateRefund, Threshold: &threshold, FalsePositivePenalty: &pen, UpdateCount: 2},
	}}
	snap, err := f.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	c, _ := snap.Get(anomaly.DuplicateRefund)
	if c.Threshold != 10 || c.FalsePositivePenalty != 0.3 || c.UpdateCount != 2 || c.ConfidenceBias != 0 {
		t.Errorf("override = %+v", c)
	}

	bad := 2.0
	f.Memory[0].FalsePositivePenalty = &bad
	if _, err := f.Snapshot(); err == nil {
		t.Error("expected out-of-range penalty to fail")
	}
	f.Memory[0].AnomalyType = "mystery"
	if _, err := f.Snapshot(); err == nil {
		t.Error("expected unknown type to fail")
	}
}

func TestWriteFixtureRoundTrip(t *testing.T) {
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	f := &Fixture{Description: "export", Records: records(), Initial: Expect(results[0].Cases)}
	path := filepath.Join(t.TempDir(), "export.yaml")
	if err := WriteFixture(path, f); err != nil {
		t.Fatalf("WriteFixture: %v", err)
	}
	loaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if mismatches := Compare(loaded, results); len(mismatches) != 0 {
		t.Errorf("exported fixture does not replay: %v", mismatches)
	}
}

// #endregion fixture-tests

// #region replay-tests

func TestReplay_PenaltyScenario(t *testing.T) {
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(),
		[]Round{fp(anomaly.DuplicateRefund)}, DefaultConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := results[0].Cases[0].ImpactEstimate; got != 50 {
		t.Errorf("initial impact = %v", got)
	}
	r := results[1]
	if r.Action != ActionCommit || r.Judgments != 1 {
		t.Errorf("round = %s judgments %d", r.Action, r.Judgments)
	}
	if got := r.Cases[0].ImpactEstimate; got != 42.5 {
		t.Errorf("impact after feedback = %v, want 42.5", got)
	}
	if r.Snapshot.Generation != 1 || r.Cases[0].MemoryVersion != 1 {
		t.Errorf("generation %d, memory version %d", r.Snapshot.Generation, r.Cases[0].MemoryVersion)
	}
}

func TestReplay_LimitedRound(t *testing.T) {
	many := Round{Name: "burst"}
	for range 4 {
		many.Feedback = append(many.Feedback, Verdict{AnomalyType: anomaly.DuplicateRefund, Verdict: anomaly.FalsePositive})
	}
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), []Round{many}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	r := results[1]
	if r.Action != ActionLimited || r.Round != "burst" {
		t.Errorf("round = %s %s", r.Round, r.Action)
	}
	if got := penalty(t, r.Snapshot, anomaly.DuplicateRefund); got != 0.5 {
		t.Errorf("penalty = %v, want 0.5", got)
	}
}

func TestReplay_NoOp(t *testing.T) {
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(),
		[]Round{{Feedback: []Verdict{{CaseID: "nope", Verdict: anomaly.FalsePositive}}}}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	r := results[1]
	if r.Action != ActionNoOp || r.Round != "round-1" {
		t.Errorf("round = %s %s", r.Round, r.Action)
	}
	if len(r.Proposal.Skipped) != 1 {
		t.Errorf("skipped = %v", r.Proposal.Skipped)
	}
	if r.Snapshot.Generation != 0 {
		t.Errorf("generation = %d", r.Snapshot.Generation)
	}
}

func TestReplay_PenaltyMonotonic(t *testing.T) {
	rounds := make([]Round, 8)
	for i := range rounds {
		rounds[i] = fp(anomaly.DuplicateRefund)
	}
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), rounds, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	prev := -1.0
	for _, r := range results {
		p := penalty(t, r.Snapshot, anomaly.DuplicateRefund)
		if p < prev {
			t.Fatalf("%s: penalty fell from %v to %v", r.Round, prev, p)
		}
		prev = p
	}
	if math.Abs(prev-anomaly.MaxPenalty) > 1e-9 {
		t.Errorf("final penalty = %v", prev)
	}

	s := Summarize(results)
	if s.Rounds != 8 || s.Commits != 6 || s.NoOps != 2 || s.Cases != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestReplay_Deterministic(t *testing.T) {
	rounds := []Round{fp(anomaly.DuplicateRefund), {Feedback: []Verdict{{AnomalyType: anomaly.DuplicateRefund, Verdict: anomaly.Approve}}}}
	a, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), rounds, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), rounds, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("replay not deterministic (-a +b):\n%s", diff)
	}
}

func TestCompare_Mismatches(t *testing.T) {
	results, err := Replay(context.Background(), anomaly.DefaultSnapshot(), records(), nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	f := &Fixture{Initial: FixtureExpect{Cases: []ExpectedCase{{AnomalyType: anomaly.DuplicateRefund, Impact: 40}}}}
	got := Compare(f, results)
	if len(got) != 1 || got[0].Field != "case 1 impact" {
		t.Errorf("mismatches = %v", got)
	}

	f.Rounds = []FixtureRound{{Name: "extra"}}
	if got := Compare(f, results); len(got) != 1 || got[0].Field != "rounds" {
		t.Errorf("round count mismatch = %v", got)
	}
}

// #endregion replay-tests
