package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/detect"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/feedback"
	"github.com/danielpatrickdp/opsiq/internal/gate"
	"github.com/danielpatrickdp/opsiq/internal/logging"
	"github.com/danielpatrickdp/opsiq/internal/metrics"
	"github.com/danielpatrickdp/opsiq/internal/reasoning"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// #endregion

const tracerName = "github.com/danielpatrickdp/opsiq/internal/orchestrator"

// #region options

// Options configures an orchestrator. Zero values are filled by New.
type Options struct {
	Detect    detect.Config
	Scoring   scoring.Config
	Update    update.Config
	Gate      gate.Config
	Eval      eval.Config
	Strategy  reasoning.Strategy // nil uses the deterministic strategy
	Metrics   *metrics.Metrics   // nil creates a private set
	Logger    *zap.Logger
	Tracer    trace.Tracer // nil uses the global provider
	AutoLearn bool         // learn right after each accepted feedback
}

// DefaultOptions returns options built from every package default.
func DefaultOptions() Options {
	return Options{
		Detect:  detect.DefaultConfig(),
		Scoring: scoring.DefaultConfig(),
		Update:  update.DefaultConfig(),
		Gate:    gate.DefaultConfig(),
		Eval:    eval.DefaultConfig(),
	}
}

// #endregion options

// #region orchestrator-struct

// Orchestrator drives the calibration loop: rerun detection, capture
// feedback, learn calibration deltas, evaluate and reset. All stores share
// the memory store's database.
type Orchestrator struct {
	memory   *state.Store
	cases    *cases.Store
	feedback *feedback.Store
	evals    *eval.Store
	runs     *logging.RunLog

	source    signals.Source
	detectors []detect.Detector
	scoring   scoring.Config
	update    update.Config
	gate      *gate.Gate
	strategy  reasoning.Strategy
	evaluator *eval.Evaluator
	autoLearn bool

	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	runMu   sync.Mutex // held by a rerun or a reset
	learnMu sync.Mutex
	evalMu  sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// #endregion

// #region constructor

// New wires an orchestrator around memory and source.
func New(memory *state.Store, source signals.Source, opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Strategy == nil {
		opts.Strategy = reasoning.NewDeterministic(opts.Update, opts.Eval)
	}

	// The deterministic strategy's advice is the evaluator's own heuristic.
	var advisor eval.Advisor
	if opts.Strategy.Name() != reasoning.ProviderNone {
		advisor = opts.Strategy
	}

	db := memory.DB()
	caseStore, err := cases.NewStore(db)
	if err != nil {
		return nil, err
	}
	fbStore, err := feedback.NewStore(db)
	if err != nil {
		return nil, err
	}
	evalStore, err := eval.NewStore(db)
	if err != nil {
		return nil, err
	}
	runLog, err := logging.NewRunLog(db)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		memory:    memory,
		cases:     caseStore,
		feedback:  fbStore,
		evals:     evalStore,
		runs:      runLog,
		source:    source,
		detectors: detect.All(opts.Detect),
		scoring:   opts.Scoring,
		update:    opts.Update,
		gate:      gate.NewGate(opts.Gate),
		strategy:  opts.Strategy,
		evaluator: eval.NewEvaluator(opts.Eval, advisor, opts.Logger.Named("eval")),
		autoLearn: opts.AutoLearn,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		status:    Status{State: StateIdle},
	}

	if snap, err := memory.Snapshot(context.Background()); err == nil {
		o.metrics.ObserveSnapshot(snap)
	}
	return o, nil
}

// Close releases the reasoning strategy. The memory store stays open.
func (o *Orchestrator) Close() error {
	return o.strategy.Close()
}

// #endregion

// #region status

// Status returns the controller state.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.statusMu.Lock()
	o.status = s
	o.statusMu.Unlock()
}

func (o *Orchestrator) finish(final RunState, err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.State = final
	o.status.FinishedAt = time.Now().UTC()
	o.status.Error = ""
	if err != nil {
		o.status.Error = err.Error()
	}
}

// #endregion

// #region rerun

// Rerun recomputes the active case generation from the full signal batch and
// the current calibration snapshot. It returns ErrRunInProgress when another
// rerun holds the controller. On failure nothing but the run trace is
// written and the previous generation stays active.
func (o *Orchestrator) Rerun(ctx context.Context, trigger string) (RunResult, error) {
	if !o.runMu.TryLock() {
		return RunResult{}, ErrRunInProgress
	}
	defer o.runMu.Unlock()
	return o.rerun(ctx, trigger)
}

func (o *Orchestrator) rerun(ctx context.Context, trigger string) (res RunResult, err error) {
	start := time.Now()
	res.RunID = uuid.New().String()
	ctx, span := o.tracer.Start(ctx, "rerun", trace.WithAttributes(
		attribute.String("opsiq.run_id", res.RunID),
		attribute.String("opsiq.trigger", trigger),
	))
	defer span.End()

	log := o.logger.Named("rerun").With(zap.String("run_id", res.RunID), zap.String("trigger", trigger))
	o.setStatus(Status{State: StateRunning, RunID: res.RunID, Trigger: trigger, StartedAt: start.UTC()})
	tr := logging.RunTrace{RunID: res.RunID, Trigger: trigger, StartedAt: start.UTC()}

	defer func() {
		res.Duration = time.Since(start)
		tr.DurationMs = res.Duration.Milliseconds()
		final := StateSucceeded
		tr.Status = logging.StatusSucceeded
		if err != nil {
			final = StateFailed
			tr.Status = logging.StatusFailed
			tr.Reason = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("rerun failed", zap.Error(err))
		}
		o.writeTrace(ctx, log, tr)
		o.metrics.Reruns.WithLabelValues(tr.Status).Inc()
		o.metrics.RerunDuration.Observe(res.Duration.Seconds())
		o.finish(final, err)
	}()

	snap, err := o.memory.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot memory: %w", err)
	}
	tr.Steps = append(tr.Steps, "snapshot")
	tr.MemoryGeneration = snap.Generation

	records, err := o.source.FetchBatch(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("%w: fetch batch: %w", anomaly.ErrStoreFault, err)
	}
	tr.Steps = append(tr.Steps, "fetch")

	out, err := BuildCases(ctx, o.detectors, signals.NewBatch(records), snap, o.scoring, log)
	if err != nil {
		return res, err
	}
	tr.Steps = append(tr.Steps, "detect", "score", "build")

	gen, err := o.cases.ReplaceActive(ctx, cases.Generation{RunID: res.RunID, MemoryGeneration: snap.Generation}, out.Cases)
	if err != nil {
		return res, err
	}
	tr.Steps = append(tr.Steps, "publish")

	res.Generation = gen
	res.Cases = out.Cases
	if cs, err := o.withStatus(ctx, out.Cases); err == nil {
		res.Cases = cs
	}
	res.EvidenceCount = out.EvidenceCount
	res.InputFaults = out.InputFaults
	res.Drops = out.Drops

	tr.GenerationID = gen.GenerationID
	tr.CasesGenerated = len(out.Cases)
	tr.EvidenceCount = out.EvidenceCount
	tr.InputFaults = out.InputFaults
	tr.Dropped = len(out.Drops)
	if len(out.Drops) > 0 {
		if b, err := json.Marshal(out.Drops); err == nil {
			tr.DetailJSON = string(b)
		}
	}

	for typ, n := range out.PerType {
		o.metrics.Evidence.WithLabelValues(string(typ)).Add(float64(n))
	}
	o.metrics.Dropped.WithLabelValues(metrics.DropInputFault).Add(float64(out.InputFaults))
	for _, d := range out.Drops {
		o.metrics.Dropped.WithLabelValues(d.Reason).Inc()
	}
	o.metrics.CasesActive.Set(float64(len(out.Cases)))
	o.metrics.ObserveSnapshot(snap)

	span.SetAttributes(attribute.Int("opsiq.cases", len(out.Cases)), attribute.Int("opsiq.evidence", out.EvidenceCount))
	log.Info("rerun succeeded",
		zap.String("generation_id", gen.GenerationID),
		zap.Int("memory_generation", snap.Generation),
		zap.Int("evidence", out.EvidenceCount),
		zap.Int("cases", len(out.Cases)),
		zap.Int("input_faults", out.InputFaults),
		zap.Int("dropped", len(out.Drops)),
	)
	return res, nil
}

// #endregion rerun

// #region feedback

// SubmitFeedback validates and stores one reviewer verdict on a case.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, in feedback.Input) (feedback.Record, error) {
	// The case check and the insert share a transaction, so a concurrent
	// reset cannot leave feedback pointing at a cleared case.
	rec, err := o.feedback.Append(ctx, in, func(ctx context.Context, tx *sql.Tx) error {
		return o.cases.Require(ctx, tx, in.CaseID)
	})
	if err != nil {
		return feedback.Record{}, err
	}
	o.metrics.Feedback.WithLabelValues(string(rec.Verdict)).Inc()
	o.logger.Info("feedback recorded",
		zap.Int64("seq", rec.Seq), zap.String("case_id", rec.CaseID), zap.String("verdict", string(rec.Verdict)))

	if o.autoLearn {
		if _, err := o.Learn(ctx); err != nil {
			o.logger.Warn("learn after feedback failed", zap.Error(err))
		}
	}
	return rec, nil
}

// judgments joins feedback newer than since with the type and confidence of
// its case. It returns the highest seq seen, or since when there is none.
func (o *Orchestrator) judgments(ctx context.Context, since int64) ([]update.Judgment, int64, error) {
	recs, err := o.feedback.ListSince(ctx, since)
	if err != nil {
		return nil, since, err
	}
	out := make([]update.Judgment, 0, len(recs))
	last := since
	for _, r := range recs {
		j := update.Judgment{Seq: r.Seq, CaseID: r.CaseID, Verdict: r.Verdict, Note: r.Note}
		c, err := o.cases.Get(ctx, r.CaseID)
		switch {
		case err == nil:
			j.Type = c.AnomalyType
			j.Confidence = c.Confidence
		case errors.Is(err, cases.ErrUnknownCase):
		default:
			return nil, since, err
		}
		out = append(out, j)
		last = max(last, r.Seq)
	}
	return out, last, nil
}

// learnedApprovals counts positive judgments per type at or below cursor.
// Feedback is cleared on reset, so the counts start over with the memory.
func (o *Orchestrator) learnedApprovals(ctx context.Context, cursor int64) (map[anomaly.Type]int, error) {
	out := map[anomaly.Type]int{}
	if cursor == 0 {
		return out, nil
	}
	js, _, err := o.judgments(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, j := range js {
		if j.Seq <= cursor && j.Type != "" && j.Verdict.Positive() {
			out[j.Type]++
		}
	}
	return out, nil
}

// #endregion feedback

// #region learn

// Learn turns feedback received since the last apply into calibration
// deltas: the strategy proposes, the gate checks, the memory store applies.
// A vetoed reasoning proposal is replaced by the rule output for the same
// batch; rule output over a cap is cut to the cap. When any record changed
// a rerun follows.
func (o *Orchestrator) Learn(ctx context.Context) (LearnResult, error) {
	o.learnMu.Lock()
	defer o.learnMu.Unlock()

	start := time.Now()
	res := LearnResult{RunID: uuid.New().String()}
	ctx, span := o.tracer.Start(ctx, "learn", trace.WithAttributes(attribute.String("opsiq.run_id", res.RunID)))
	defer span.End()
	log := o.logger.Named("learn").With(zap.String("run_id", res.RunID))
	tr := logging.RunTrace{RunID: res.RunID, Trigger: TriggerLearn, StartedAt: start.UTC()}

	done := func(status, reason string, err error) (LearnResult, error) {
		tr.Status = status
		tr.Reason = reason
		tr.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("learn failed", zap.Error(err))
		}
		o.writeTrace(ctx, log, tr)
		o.metrics.Learns.WithLabelValues(status).Inc()
		return res, err
	}

	cursor, err := o.memory.FeedbackCursor(ctx)
	if err != nil {
		return done(logging.StatusFailed, err.Error(), err)
	}
	js, last, err := o.judgments(ctx, cursor)
	if err != nil {
		return done(logging.StatusFailed, err.Error(), err)
	}
	tr.Steps = append(tr.Steps, "judgments")
	res.Judgments = len(js)
	if len(js) == 0 {
		return done(logging.StatusNoOp, "no new feedback", nil)
	}

	snap, err := o.memory.Snapshot(ctx)
	if err != nil {
		return done(logging.StatusFailed, err.Error(), err)
	}
	learned, err := o.learnedApprovals(ctx, cursor)
	if err != nil {
		return done(logging.StatusFailed, err.Error(), err)
	}
	snap = snap.WithApprovals(learned)
	tr.MemoryGeneration = snap.Generation

	proposal, err := o.strategy.ProposeMemoryDeltas(ctx, js, snap)
	if err != nil {
		log.Warn("strategy failed, using rule output", zap.Error(err))
		proposal = update.Plan(js, snap, o.update)
		res.FellBack = true
	}
	tr.Steps = append(tr.Steps, "propose")

	decision := o.gate.Evaluate(proposal)
	if decision.Vetoed && proposal.Source != state.SourceFeedback {
		log.Warn("proposal vetoed, using rule output", zap.String("reason", decision.Reason))
		proposal = update.Plan(js, snap, o.update)
		res.FellBack = true
		decision = o.gate.Evaluate(proposal)
	}
	if decision.Vetoed {
		log.Info("rule output over cap, limiting", zap.String("reason", decision.Reason))
		proposal = o.gate.Limit(proposal)
		res.Limited = true
		decision = o.gate.Evaluate(proposal)
	}
	tr.Steps = append(tr.Steps, "gate")
	proposal.Cursor = max(proposal.Cursor, last)
	res.Proposal = proposal
	res.Decision = decision
	if b, err := json.Marshal(struct {
		Proposal update.Proposal `json:"proposal"`
		Decision gate.Decision   `json:"decision"`
	}{proposal, decision}); err == nil {
		tr.DetailJSON = string(b)
	}
	if decision.Vetoed {
		return done(logging.StatusRejected, decision.Reason, nil)
	}

	applied, err := o.memory.Apply(ctx, proposal.Deltas, state.ApplyMeta{
		Source:         proposal.Source,
		Reason:         decision.Reason,
		FeedbackCursor: proposal.Cursor,
	})
	if err != nil {
		return done(logging.StatusFailed, err.Error(), err)
	}
	tr.Steps = append(tr.Steps, "apply")
	res.Applied = applied.Applied
	res.MemoryGeneration = applied.Generation
	tr.MemoryGeneration = applied.Generation

	if snap, err := o.memory.Snapshot(ctx); err == nil {
		o.metrics.ObserveSnapshot(snap)
	}
	log.Info("learn applied",
		zap.Int("judgments", len(js)),
		zap.Int("changed", len(applied.Applied)),
		zap.Int("memory_generation", applied.Generation),
		zap.String("source", proposal.Source),
		zap.Bool("fell_back", res.FellBack),
	)

	status := logging.StatusSucceeded
	if decision.Action == "no_op" {
		status = logging.StatusNoOp
	}
	if _, err := done(status, decision.Reason, nil); err != nil {
		return res, err
	}

	if len(applied.Applied) == 0 {
		return res, nil
	}
	rr, err := o.Rerun(ctx, TriggerLearn)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Info("rerun already in progress, skipped")
	case err != nil:
		return res, fmt.Errorf("rerun after learn: %w", err)
	default:
		res.Rerun = &rr
	}
	return res, nil
}

// #endregion learn

// #region evaluate

// Evaluate scores the calibration against feedback received since the
// previous evaluation and stores the result.
func (o *Orchestrator) Evaluate(ctx context.Context) (eval.Evaluation, error) {
	o.evalMu.Lock()
	defer o.evalMu.Unlock()

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "evaluate")
	defer span.End()
	log := o.logger.Named("evaluate")

	cursor, err := o.evals.Cursor(ctx)
	if err != nil {
		return eval.Evaluation{}, err
	}
	js, last, err := o.judgments(ctx, cursor)
	if err != nil {
		return eval.Evaluation{}, err
	}
	snap, err := o.memory.Snapshot(ctx)
	if err != nil {
		return eval.Evaluation{}, err
	}
	gen, _, err := o.cases.ActiveGeneration(ctx)
	if err != nil {
		return eval.Evaluation{}, err
	}

	ev := o.evaluator.Run(ctx, eval.Input{
		RunID:     gen.RunID,
		CaseCount: gen.CaseCount,
		Judgments: js,
		Snapshot:  snap,
	})
	ev.FeedbackCursor = max(ev.FeedbackCursor, last)
	if err := o.evals.Save(ctx, ev); err != nil {
		return eval.Evaluation{}, err
	}
	o.metrics.CalibrationScore.Set(ev.CalibrationScore)

	o.writeTrace(ctx, log, logging.RunTrace{
		RunID:            ev.EvaluationID,
		Trigger:          TriggerEvaluate,
		Status:           logging.StatusSucceeded,
		Steps:            []string{"judgments", "compute", "advice", "save"},
		CasesGenerated:   gen.CaseCount,
		MemoryGeneration: snap.Generation,
		GenerationID:     gen.GenerationID,
		DurationMs:       time.Since(start).Milliseconds(),
		StartedAt:        start.UTC(),
	})
	log.Info("evaluation stored",
		zap.String("evaluation_id", ev.EvaluationID),
		zap.Float64("calibration_score", ev.CalibrationScore),
		zap.Int("feedback", ev.FeedbackCount),
		zap.String("advice_source", ev.AdviceSource),
	)
	return ev, nil
}

// #endregion evaluate

// #region reset

// Reset clears feedback, evaluations, case generations and run traces and
// reseeds calibration defaults, all in one transaction. Running it twice
// leaves the same state as running it once.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if !o.runMu.TryLock() {
		return ErrRunInProgress
	}
	defer o.runMu.Unlock()
	o.learnMu.Lock()
	defer o.learnMu.Unlock()
	o.evalMu.Lock()
	defer o.evalMu.Unlock()

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "reset")
	defer span.End()

	if err := o.memory.Reset(ctx, o.cases.Clear, o.feedback.Clear, o.evals.Clear, o.runs.Clear); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	o.setStatus(Status{State: StateIdle})

	if snap, err := o.memory.Snapshot(ctx); err == nil {
		o.metrics.ObserveSnapshot(snap)
	}
	o.metrics.CasesActive.Set(0)
	o.metrics.CalibrationScore.Set(0)

	o.writeTrace(ctx, o.logger, logging.RunTrace{
		RunID:      uuid.New().String(),
		Trigger:    TriggerReset,
		Status:     logging.StatusSucceeded,
		Steps:      []string{"clear", "seed"},
		DurationMs: time.Since(start).Milliseconds(),
		StartedAt:  start.UTC(),
	})
	o.logger.Info("state reset to defaults")
	return nil
}

// #endregion reset

// #region reads

// Cases returns the active generation in rank order.
func (o *Orchestrator) Cases(ctx context.Context) ([]cases.Case, error) {
	cs, err := o.cases.Active(ctx)
	if err != nil {
		return nil, err
	}
	return o.withStatus(ctx, cs)
}

// Case returns one case by id.
func (o *Orchestrator) Case(ctx context.Context, caseID string) (cases.Case, error) {
	c, err := o.cases.Get(ctx, caseID)
	if err != nil {
		return cases.Case{}, err
	}
	cs, err := o.withStatus(ctx, []cases.Case{c})
	if err != nil {
		return cases.Case{}, err
	}
	return cs[0], nil
}

// withStatus sets each case's status from its latest verdict.
func (o *Orchestrator) withStatus(ctx context.Context, cs []cases.Case) ([]cases.Case, error) {
	latest, err := o.feedback.Latest(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cs {
		v, ok := latest[cs[i].CaseID]
		if !ok {
			cs[i].Status = cases.StatusOpen
			continue
		}
		cs[i].Status = cases.StatusFor(v)
	}
	return cs, nil
}

// Generations lists recent case generations, newest first.
func (o *Orchestrator) Generations(ctx context.Context, limit int) ([]cases.Generation, error) {
	return o.cases.Generations(ctx, limit)
}

// Memory returns the current calibration snapshot.
func (o *Orchestrator) Memory(ctx context.Context) (anomaly.Snapshot, error) {
	return o.memory.Snapshot(ctx)
}

// History returns the version rows of one calibration record, newest first.
func (o *Orchestrator) History(ctx context.Context, t anomaly.Type, limit int) ([]state.Version, error) {
	return o.memory.History(ctx, t, limit)
}

// Feedback returns the feedback recorded against one case.
func (o *Orchestrator) Feedback(ctx context.Context, caseID string) ([]feedback.Record, error) {
	return o.feedback.ForCase(ctx, caseID)
}

// RunTraces returns recent run traces, optionally for one trigger.
func (o *Orchestrator) RunTraces(ctx context.Context, trigger string, limit int) ([]logging.RunTrace, error) {
	return o.runs.Recent(ctx, trigger, limit)
}

// Evaluations returns recent evaluations, newest first.
func (o *Orchestrator) Evaluations(ctx context.Context, limit int) ([]eval.Evaluation, error) {
	return o.evals.List(ctx, limit)
}

// Metrics exposes the collectors, for serving /metrics.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// #endregion reads

func (o *Orchestrator) writeTrace(ctx context.Context, log *zap.Logger, tr logging.RunTrace) {
	if err := o.runs.LogRun(context.WithoutCancel(ctx), tr); err != nil {
		log.Warn("run trace not written", zap.String("trigger", tr.Trigger), zap.Error(err))
	}
}
