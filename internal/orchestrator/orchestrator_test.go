package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/detect"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/feedback"
	"github.com/danielpatrickdp/opsiq/internal/logging"
	"github.com/danielpatrickdp/opsiq/internal/metrics"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// #region helpers

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func refund(id, cust string, amount float64, at time.Time) signals.Record {
	return signals.Record{ID: id, Kind: signals.KindRefund, Timestamp: at, Fields: map[string]string{
		"refund_id": id, "customer_id": cust, "amount": fmt.Sprintf("%.2f", amount),
		"refund_date": at.Format("2006-01-02 15:04:05"), "reason": "customer_request",
	}}
}

func customer(id, region string) signals.Record {
	return signals.Record{ID: id, Kind: signals.KindCustomer, Fields: map[string]string{
		"customer_id": id, "customer_name": "Cust " + id, "region": region,
	}}
}

// duplicateBatch holds two $50 refunds for one customer three minutes apart.
func duplicateBatch() []signals.Record {
	return []signals.Record{
		customer("C1", "us-east"),
		refund("R1", "C1", 50, t0),
		refund("R2", "C1", 50, t0.Add(3*time.Minute)),
	}
}

func newTestOrchestrator(t *testing.T, src signals.Source, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	mem, err := state.NewStore(filepath.Join(t.TempDir(), "opsiq.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(mem, src, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func mustRerun(t *testing.T, o *Orchestrator) RunResult {
	t.Helper()
	res, err := o.Rerun(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	return res
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// gatedSource blocks FetchBatch until release is closed.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	records []signals.Record
}

func (s *gatedSource) FetchBatch(ctx context.Context, _ *time.Time) ([]signals.Record, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return s.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// switchSource fails once fail is set.
type switchSource struct {
	mu      sync.Mutex
	fail    bool
	records []signals.Record
}

func (s *switchSource) FetchBatch(context.Context, *time.Time) ([]signals.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("data directory unreadable")
	}
	return s.records, nil
}

// stubStrategy proposes fixed deltas.
type stubStrategy struct {
	deltas map[anomaly.Type]anomaly.Delta
	err    error
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) Close() error { return nil }

func (s *stubStrategy) ProposeMemoryDeltas(_ context.Context, js []update.Judgment, _ anomaly.Snapshot) (update.Proposal, error) {
	if s.err != nil {
		return update.Proposal{}, s.err
	}
	var cursor int64
	for _, j := range js {
		cursor = max(cursor, j.Seq)
	}
	return update.Proposal{Deltas: s.deltas, Cursor: cursor, Source: state.SourceReasoning}, nil
}

func (s *stubStrategy) CalibrationAdvice(context.Context, eval.AdviceInput) ([]string, error) {
	return []string{"stub advice"}, nil
}

// panicky is a detector that always panics.
type panicky struct{}

func (panicky) Type() anomaly.Type { return anomaly.ManualCredit }

func (panicky) Detect(*signals.Batch, anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return func(func(anomaly.Evidence, error) bool) {
		panic("index out of range")
	}
}

// faultReporter yields one fault per listed record.
type faultReporter struct {
	typ  anomaly.Type
	recs []string
}

func (f faultReporter) Type() anomaly.Type { return f.typ }

func (f faultReporter) Detect(*signals.Batch, anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return func(yield func(anomaly.Evidence, error) bool) {
		for _, id := range f.recs {
			if !yield(anomaly.Evidence{}, anomaly.InputFault("refund", id, "missing amount")) {
				return
			}
		}
	}
}

// #endregion helpers

// #region rerun-tests

func TestRerunDuplicateRefundScenario(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()

	res := mustRerun(t, o)
	if len(res.Cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(res.Cases))
	}
	c := res.Cases[0]
	if c.AnomalyType != anomaly.DuplicateRefund || !near(c.ImpactEstimate, 50) {
		t.Fatalf("case = %s impact %.4f, want duplicate_refund 50", c.AnomalyType, c.ImpactEstimate)
	}
	if o.Status().State != StateSucceeded {
		t.Errorf("status = %s", o.Status().State)
	}

	if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive}); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	lr, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if lr.MemoryGeneration != 1 || len(lr.Applied) != 1 {
		t.Fatalf("learn = %+v", lr)
	}

	cal, err := o.memory.Get(ctx, anomaly.DuplicateRefund)
	if err != nil {
		t.Fatal(err)
	}
	if !near(cal.FalsePositivePenalty, 0.15) {
		t.Errorf("penalty = %v, want 0.15", cal.FalsePositivePenalty)
	}

	if lr.Rerun == nil {
		t.Fatal("expected a rerun after apply")
	}
	after := lr.Rerun.Cases
	if len(after) != 1 || after[0].CaseID != c.CaseID {
		t.Fatalf("rerun cases = %+v", after)
	}
	if !near(after[0].ImpactEstimate, 42.5) {
		t.Errorf("impact after feedback = %.4f, want 42.50", after[0].ImpactEstimate)
	}
	if after[0].MemoryVersion != 1 || lr.Rerun.Generation.MemoryGeneration != 1 {
		t.Errorf("memory version = %d, generation = %d", after[0].MemoryVersion, lr.Rerun.Generation.MemoryGeneration)
	}
}

func TestRerunDeterministic(t *testing.T) {
	records := append(duplicateBatch(),
		customer("C2", "eu-west"),
		refund("R3", "C2", 80, t0.Add(time.Hour)),
		refund("R4", "C2", 80, t0.Add(time.Hour+10*time.Minute)),
	)
	a := newTestOrchestrator(t, signals.NewStaticSource(records))
	b := newTestOrchestrator(t, signals.NewStaticSource(records))

	ra, rb := mustRerun(t, a), mustRerun(t, b)
	if diff := cmp.Diff(ra.Cases, rb.Cases); diff != "" {
		t.Fatalf("cases differ across runs (-a +b):\n%s", diff)
	}

	again := mustRerun(t, a)
	if diff := cmp.Diff(ra.Cases, again.Cases); diff != "" {
		t.Fatalf("rerun on same snapshot changed cases (-first +second):\n%s", diff)
	}
	if again.Generation.GenerationID == ra.Generation.GenerationID {
		t.Error("expected a new generation per rerun")
	}
}

func TestRerunInProgress(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{}), records: duplicateBatch()}
	o := newTestOrchestrator(t, src)

	done := make(chan error, 1)
	go func() {
		_, err := o.Rerun(context.Background(), TriggerManual)
		done <- err
	}()
	<-src.entered

	if o.Status().State != StateRunning {
		t.Errorf("status = %s, want running", o.Status().State)
	}
	if _, err := o.Rerun(context.Background(), TriggerManual); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second rerun err = %v, want ErrRunInProgress", err)
	}
	if err := o.Reset(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("reset during rerun err = %v, want ErrRunInProgress", err)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first rerun: %v", err)
	}
	if o.Status().State != StateSucceeded {
		t.Errorf("status = %s, want succeeded", o.Status().State)
	}
}

func TestRerunFetchFailureKeepsGeneration(t *testing.T) {
	src := &switchSource{records: duplicateBatch()}
	o := newTestOrchestrator(t, src)
	ctx := context.Background()

	first := mustRerun(t, o)

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	_, err := o.Rerun(ctx, TriggerManual)
	if !errors.Is(err, anomaly.ErrStoreFault) {
		t.Fatalf("err = %v, want ErrStoreFault", err)
	}
	st := o.Status()
	if st.State != StateFailed || st.Error == "" {
		t.Errorf("status = %+v", st)
	}

	active, ok, err := o.cases.ActiveGeneration(ctx)
	if err != nil || !ok {
		t.Fatalf("ActiveGeneration: ok=%v err=%v", ok, err)
	}
	if active.GenerationID != first.Generation.GenerationID {
		t.Errorf("active generation moved to %s", active.GenerationID)
	}

	traces, _ := o.RunTraces(ctx, TriggerManual, 10)
	if len(traces) != 2 || traces[0].Status != logging.StatusFailed {
		t.Errorf("traces = %+v", traces)
	}
	if got := testutil.ToFloat64(o.Metrics().Reruns.WithLabelValues(logging.StatusFailed)); got != 1 {
		t.Errorf("failed reruns metric = %v", got)
	}
}

func TestRerunWritesTrace(t *testing.T) {
	bad := refund("R9", "C1", 50, t0)
	bad.Fields["amount"] = "fifty"
	o := newTestOrchestrator(t, signals.NewStaticSource(append(duplicateBatch(), bad)))
	ctx := context.Background()

	res := mustRerun(t, o)
	traces, err := o.RunTraces(ctx, "", 10)
	if err != nil || len(traces) != 1 {
		t.Fatalf("traces = %v err = %v", traces, err)
	}
	tr := traces[0]
	if tr.RunID != res.RunID || tr.Status != logging.StatusSucceeded || tr.CasesGenerated != 1 {
		t.Errorf("trace = %+v", tr)
	}
	if tr.InputFaults == 0 {
		t.Error("expected the malformed refund to be counted")
	}
	want := []string{"snapshot", "fetch", "detect", "score", "build", "publish"}
	if diff := cmp.Diff(want, tr.Steps); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
}

// #endregion rerun-tests

// #region pipeline-tests

func TestBuildCasesDetectorPanic(t *testing.T) {
	ds := append(detect.All(detect.DefaultConfig()), panicky{})
	res, err := BuildCases(context.Background(), ds, signals.NewBatch(duplicateBatch()),
		anomaly.DefaultSnapshot(), scoring.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("BuildCases: %v", err)
	}
	if len(res.Cases) != 1 {
		t.Errorf("expected surviving detectors to produce 1 case, got %d", len(res.Cases))
	}
	if len(res.Drops) != 1 || res.Drops[0].Reason != metrics.DropDetectorPanic {
		t.Errorf("drops = %+v", res.Drops)
	}
}

func TestBuildCasesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildCases(ctx, detect.All(detect.DefaultConfig()), signals.NewBatch(duplicateBatch()),
		anomaly.DefaultSnapshot(), scoring.DefaultConfig(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBuildCasesMissingCalibration(t *testing.T) {
	snap := anomaly.DefaultSnapshot()
	delete(snap.Records, anomaly.RefundSpike)

	res, err := BuildCases(context.Background(), detect.All(detect.DefaultConfig()), signals.NewBatch(duplicateBatch()),
		snap, scoring.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("BuildCases: %v", err)
	}
	if len(res.Drops) != 1 || res.Drops[0].Reason != metrics.DropCalibrationFault {
		t.Errorf("drops = %+v", res.Drops)
	}
	if len(res.Cases) != 1 {
		t.Errorf("cases = %d", len(res.Cases))
	}
}

func TestBuildCasesCountsFaultyRecordOnce(t *testing.T) {
	ds := []detect.Detector{
		faultReporter{typ: anomaly.DuplicateRefund, recs: []string{"R9"}},
		faultReporter{typ: anomaly.RefundSpike, recs: []string{"R9", "R10"}},
	}
	res, err := BuildCases(context.Background(), ds, signals.NewBatch(nil),
		anomaly.DefaultSnapshot(), scoring.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("BuildCases: %v", err)
	}
	if res.InputFaults != 2 {
		t.Errorf("input faults = %d, want 2 distinct records", res.InputFaults)
	}

	// The real refund detectors both read a refund with a bad amount.
	bad := refund("R3", "C1", 0, t0.Add(time.Hour))
	bad.Fields["amount"] = "n/a"
	res, err = BuildCases(context.Background(), detect.All(detect.DefaultConfig()),
		signals.NewBatch(append(duplicateBatch(), bad)), anomaly.DefaultSnapshot(), scoring.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("BuildCases: %v", err)
	}
	if res.InputFaults != 1 {
		t.Errorf("input faults = %d, want 1 for one bad refund", res.InputFaults)
	}
}

// #endregion pipeline-tests

// #region feedback-tests

func TestSubmitFeedbackValidation(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]

	tests := []struct {
		name string
		in   feedback.Input
		want error
	}{
		{"unknown case", feedback.Input{CaseID: "DUP-missing", Verdict: anomaly.Approve}, cases.ErrUnknownCase},
		{"bad verdict", feedback.Input{CaseID: c.CaseID, Verdict: "maybe"}, feedback.ErrInvalidVerdict},
		{"empty case", feedback.Input{Verdict: anomaly.Approve}, feedback.ErrInvalidVerdict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.SubmitFeedback(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	rec, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.Useful, Note: "confirmed"})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	got, _ := o.Feedback(ctx, c.CaseID)
	if len(got) != 1 || got[0].FeedbackID != rec.FeedbackID {
		t.Errorf("feedback for case = %+v", got)
	}
}

func TestCaseStatusFollowsLatestVerdict(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	if c.Status != cases.StatusOpen {
		t.Errorf("fresh case status = %q, want open", c.Status)
	}

	steps := []struct {
		verdict anomaly.Verdict
		want    cases.Status
	}{
		{anomaly.FalsePositive, cases.StatusFalsePositive},
		{anomaly.Useful, cases.StatusApproved},
		{anomaly.NotUseful, cases.StatusRejected},
		{anomaly.Approve, cases.StatusApproved},
	}
	for _, st := range steps {
		if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: st.verdict}); err != nil {
			t.Fatal(err)
		}
		got, err := o.Case(ctx, c.CaseID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != st.want {
			t.Errorf("after %s status = %q, want %q", st.verdict, got.Status, st.want)
		}
		active, _ := o.Cases(ctx)
		if len(active) != 1 || active[0].Status != st.want {
			t.Errorf("after %s listing = %+v", st.verdict, active)
		}
	}

	// Status is read-time only: the stored generation stays status-free.
	stored, _ := o.cases.Active(ctx)
	if stored[0].Status != "" {
		t.Errorf("stored status = %q", stored[0].Status)
	}
}

func TestSubmitFeedbackAfterResetRejected(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	if err := o.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.Approve}); !errors.Is(err, cases.ErrUnknownCase) {
		t.Fatalf("err = %v, want ErrUnknownCase", err)
	}
	if n, _ := o.feedback.Count(ctx); n != 0 {
		t.Errorf("feedback rows = %d after rejected submit", n)
	}
}

func TestSubmitFeedbackAutoLearn(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()), func(opts *Options) {
		opts.AutoLearn = true
	})
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]

	if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive}); err != nil {
		t.Fatal(err)
	}
	snap, _ := o.Memory(ctx)
	if snap.Generation != 1 {
		t.Errorf("generation = %d, want 1", snap.Generation)
	}
}

// #endregion feedback-tests

// #region learn-tests

func TestLearnNoFeedback(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	mustRerun(t, o)

	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if res.Judgments != 0 || res.Rerun != nil {
		t.Errorf("learn = %+v", res)
	}
	traces, _ := o.RunTraces(ctx, TriggerLearn, 1)
	if len(traces) != 1 || traces[0].Status != logging.StatusNoOp {
		t.Errorf("traces = %+v", traces)
	}
}

func TestLearnCursorConsumesFeedbackOnce(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]

	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})
	if _, err := o.Learn(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Judgments != 0 {
		t.Errorf("second learn saw %d judgments", res.Judgments)
	}
	cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
	if !near(cal.FalsePositivePenalty, 0.15) {
		t.Errorf("penalty = %v, want 0.15", cal.FalsePositivePenalty)
	}
}

func TestLearnVetoFallsBackToRule(t *testing.T) {
	stub := &stubStrategy{deltas: map[anomaly.Type]anomaly.Delta{
		anomaly.DuplicateRefund: {PenaltyDelta: 0.8, Justification: "aggressive"},
	}}
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()), func(opts *Options) {
		opts.Strategy = stub
	})
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})

	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if !res.FellBack || res.Proposal.Source != state.SourceFeedback {
		t.Errorf("expected rule fallback, got %+v", res)
	}
	cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
	if !near(cal.FalsePositivePenalty, 0.15) {
		t.Errorf("penalty = %v, want 0.15", cal.FalsePositivePenalty)
	}
}

func TestLearnStrategyErrorFallsBack(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()), func(opts *Options) {
		opts.Strategy = &stubStrategy{err: errors.New("connection refused")}
	})
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})

	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if !res.FellBack || res.MemoryGeneration != 1 {
		t.Errorf("learn = %+v", res)
	}
}

func TestLearnReasoningProposalApplied(t *testing.T) {
	stub := &stubStrategy{deltas: map[anomaly.Type]anomaly.Delta{
		anomaly.DuplicateRefund: {PenaltyDelta: 0.1, Justification: "one confirmed false positive"},
	}}
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()), func(opts *Options) {
		opts.Strategy = stub
	})
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})

	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if res.FellBack || res.Decision.Action != "commit" {
		t.Errorf("learn = %+v", res)
	}
	hist, _ := o.History(ctx, anomaly.DuplicateRefund, 1)
	if len(hist) != 1 || hist[0].Source != state.SourceReasoning || hist[0].Reason != "one confirmed false positive" {
		t.Errorf("history = %+v", hist)
	}
}

func TestLearnLimitsRuleOutput(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	for range 4 {
		if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := o.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if !res.Limited || res.Decision.Vetoed {
		t.Errorf("learn = %+v", res)
	}
	cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
	if !near(cal.FalsePositivePenalty, 0.5) {
		t.Errorf("penalty = %v, want 0.5", cal.FalsePositivePenalty)
	}
}

func TestLearnPenaltyMonotonic(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]

	prevPenalty, prevImpact := 0.0, c.ImpactEstimate
	for i := range 8 {
		if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive}); err != nil {
			t.Fatal(err)
		}
		res, err := o.Learn(ctx)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
		if cal.FalsePositivePenalty < prevPenalty {
			t.Fatalf("round %d: penalty fell from %v to %v", i, prevPenalty, cal.FalsePositivePenalty)
		}
		if cal.FalsePositivePenalty > anomaly.MaxPenalty {
			t.Fatalf("round %d: penalty %v above max", i, cal.FalsePositivePenalty)
		}
		prevPenalty = cal.FalsePositivePenalty

		cs, _ := o.Cases(ctx)
		if res.Rerun == nil || len(cs) != 1 {
			continue
		}
		if cs[0].ImpactEstimate > prevImpact+1e-9 {
			t.Fatalf("round %d: impact rose from %v to %v", i, prevImpact, cs[0].ImpactEstimate)
		}
		prevImpact = cs[0].ImpactEstimate
	}
	if !near(prevPenalty, anomaly.MaxPenalty) {
		t.Errorf("penalty after 8 false positives = %v, want %v", prevPenalty, anomaly.MaxPenalty)
	}
}

func TestLearnApprovalsAccumulateAcrossBatches(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]

	// Guard 3, step 30, half a step per loosen; duplicate_refund loosens upward.
	want := []float64{120, 120, 135, 135, 135, 150}
	for i, w := range want {
		if _, err := o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.Approve}); err != nil {
			t.Fatal(err)
		}
		res, err := o.Learn(ctx)
		if err != nil {
			t.Fatalf("learn %d: %v", i+1, err)
		}
		if res.Judgments != 1 {
			t.Errorf("learn %d saw %d judgments", i+1, res.Judgments)
		}
		cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
		if !near(cal.Threshold, w) {
			t.Errorf("after approval %d threshold = %v, want %v", i+1, cal.Threshold, w)
		}
	}

	if err := o.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	c = mustRerun(t, o).Cases[0]
	for range 2 {
		o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.Approve})
		if _, err := o.Learn(ctx); err != nil {
			t.Fatal(err)
		}
	}
	cal, _ := o.memory.Get(ctx, anomaly.DuplicateRefund)
	if !near(cal.Threshold, 120) {
		t.Errorf("threshold after reset and two approvals = %v, want 120", cal.Threshold)
	}
}

// #endregion learn-tests

// #region evaluate-tests

func TestEvaluate(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()

	base, err := o.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if base.CalibrationScore != 1 || base.FeedbackCount != 0 {
		t.Errorf("baseline = %+v", base)
	}

	c := mustRerun(t, o).Cases[0]
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.Approve})

	ev, err := o.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.FeedbackCount != 2 || !near(ev.FalsePositiveRate, 0.5) || ev.CaseCount != 1 || ev.FeedbackCursor != 2 {
		t.Errorf("evaluation = %+v", ev)
	}
	if ev.CalibrationScore < 0 || ev.CalibrationScore > 1 {
		t.Errorf("score %v out of bounds", ev.CalibrationScore)
	}
	if got := testutil.ToFloat64(o.Metrics().CalibrationScore); !near(got, ev.CalibrationScore) {
		t.Errorf("score gauge = %v", got)
	}

	next, err := o.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.FeedbackCount != 0 || next.FeedbackCursor != 2 {
		t.Errorf("second evaluation = %+v", next)
	}
	evs, _ := o.Evaluations(ctx, 10)
	if len(evs) != 3 {
		t.Errorf("stored evaluations = %d", len(evs))
	}
}

// #endregion evaluate-tests

// #region reset-tests

type observed struct {
	Memory      anomaly.Snapshot
	Cases       []cases.Case
	Generations int
	Feedback    []feedback.Record
	Evaluations int
}

func observe(t *testing.T, o *Orchestrator) observed {
	t.Helper()
	ctx := context.Background()
	snap, err := o.Memory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cs, _ := o.Cases(ctx)
	gens, _ := o.Generations(ctx, 100)
	fb, _ := o.feedback.ListSince(ctx, 0)
	evs, _ := o.Evaluations(ctx, 100)
	return observed{Memory: snap, Cases: cs, Generations: len(gens), Feedback: fb, Evaluations: len(evs)}
}

func TestResetIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, signals.NewStaticSource(duplicateBatch()))
	ctx := context.Background()
	c := mustRerun(t, o).Cases[0]
	o.SubmitFeedback(ctx, feedback.Input{CaseID: c.CaseID, Verdict: anomaly.FalsePositive})
	if _, err := o.Learn(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Evaluate(ctx); err != nil {
		t.Fatal(err)
	}

	if err := o.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	once := observe(t, o)
	if err := o.Reset(ctx); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	twice := observe(t, o)

	ignoreVolatile := cmp.FilterPath(func(p cmp.Path) bool {
		name := p.Last().String()
		return name == ".LastUpdated" || name == ".VersionID"
	}, cmp.Ignore())
	if diff := cmp.Diff(once, twice, ignoreVolatile); diff != "" {
		t.Fatalf("reset not idempotent (-once +twice):\n%s", diff)
	}

	if once.Memory.Generation != 0 || len(once.Cases) != 0 || once.Generations != 0 || len(once.Feedback) != 0 || once.Evaluations != 0 {
		t.Errorf("state after reset = %+v", once)
	}
	for _, typ := range anomaly.Types {
		got, _ := once.Memory.Get(typ)
		def := anomaly.DefaultCalibration(typ)
		if got.Threshold != def.Threshold || got.FalsePositivePenalty != 0 || got.ConfidenceBias != 0 {
			t.Errorf("%s not at defaults: %+v", typ, got)
		}
	}
	if o.Status().State != StateIdle {
		t.Errorf("status = %s", o.Status().State)
	}

	// The loop starts over after reset.
	res := mustRerun(t, o)
	if len(res.Cases) != 1 || !near(res.Cases[0].ImpactEstimate, 50) {
		t.Errorf("rerun after reset = %+v", res.Cases)
	}
}

// #endregion reset-tests
