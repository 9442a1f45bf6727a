package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/feedback"
	"github.com/danielpatrickdp/opsiq/internal/logging"
	"github.com/danielpatrickdp/opsiq/internal/orchestrator"
	"github.com/danielpatrickdp/opsiq/internal/state"
)

// #region output

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printRun(w io.Writer, res orchestrator.RunResult) {
	fmt.Fprintf(w, "run %s: %d cases from %d evidence items in %s (generation %s, memory %d)\n",
		shortID(res.RunID), len(res.Cases), res.EvidenceCount, res.Duration.Round(time.Millisecond),
		shortID(res.Generation.GenerationID), res.Generation.MemoryGeneration)
	if res.InputFaults > 0 {
		fmt.Fprintf(w, "  %d malformed rows skipped\n", res.InputFaults)
	}
	for _, d := range res.Drops {
		fmt.Fprintf(w, "  dropped %s %s: %s\n", d.Reason, d.Type, d.Detail)
	}
	if len(res.Cases) > 0 {
		fmt.Fprintln(w)
		printCases(w, res.Cases)
	}
}

func printCases(w io.Writer, cs []cases.Case) {
	if len(cs) == 0 {
		fmt.Fprintln(w, "no active cases")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "RANK\tCASE\tTYPE\tSTATUS\tSEVERITY\tCONFIDENCE\tIMPACT\tTITLE")
	for _, c := range cs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s (%.2f)\t%.2f\t%s\n",
			c.Rank, c.CaseID, c.AnomalyType, c.Status, c.Severity, c.Confidence, c.ConfidenceScore, c.ImpactEstimate, c.Title)
	}
	tw.Flush()
}

func printCaseDetail(w io.Writer, c cases.Case, fb []feedback.Record) {
	fmt.Fprintf(w, "%s  #%d  %s\n", c.CaseID, c.Rank, c.Title)
	fmt.Fprintf(w, "  type:       %s\n", c.AnomalyType)
	fmt.Fprintf(w, "  status:     %s\n", c.Status)
	fmt.Fprintf(w, "  severity:   %s\n", c.Severity)
	fmt.Fprintf(w, "  confidence: %s (%.4f)\n", c.Confidence, c.ConfidenceScore)
	fmt.Fprintf(w, "  impact:     %.2f\n", c.ImpactEstimate)
	fmt.Fprintf(w, "  evidence:   %s\n", c.EvidenceDescription)
	fmt.Fprintf(w, "  records:    %s\n", strings.Join(c.RecordRefs, ", "))
	fmt.Fprintf(w, "  action:     %s\n", c.RecommendedAction)

	r := c.Rationale
	fmt.Fprintln(w, "\nrationale")
	fmt.Fprintf(w, "  threshold %.4f %s, ratio %.4f\n", r.Threshold, r.ThresholdUnit, r.Ratio)
	fmt.Fprintf(w, "  raw score %.4f, bias %+.4f, confidence %.4f\n", r.RawScore, r.Bias, r.ConfidenceScore)
	fmt.Fprintf(w, "  magnitude %.2f, penalty %.4f, impact bands %.0f/%.0f\n", r.RawMagnitude, r.Penalty, r.MediumImpact, r.HighImpact)
	fmt.Fprintf(w, "  ranks impact=%d confidence=%d severity=%d, memory version %d\n",
		r.ImpactRank, r.ConfidenceRank, r.SeverityRank, r.MemoryVersion)

	fmt.Fprintln(w, "\nfeedback")
	if len(fb) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, f := range fb {
		line := fmt.Sprintf("  #%d %s %s", f.Seq, f.CreatedAt.Format(time.RFC3339), f.Verdict)
		if f.Note != "" {
			line += "  " + f.Note
		}
		fmt.Fprintln(w, line)
	}
}

func printMemory(w io.Writer, snap anomaly.Snapshot) {
	fmt.Fprintf(w, "memory generation %d\n", snap.Generation)
	tw := table(w)
	fmt.Fprintln(tw, "TYPE\tTHRESHOLD\tPENALTY\tBIAS\tUPDATES\tLAST UPDATED")
	for _, t := range anomaly.Types {
		c, ok := snap.Records[t]
		if !ok {
			continue
		}
		updated := "-"
		if !c.LastUpdated.IsZero() {
			updated = c.LastUpdated.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%+.4f\t%d\t%s\n",
			t, c.Threshold, c.FalsePositivePenalty, c.ConfidenceBias, c.UpdateCount, updated)
	}
	tw.Flush()
}

func printHistory(w io.Writer, vs []state.Version) {
	if len(vs) == 0 {
		fmt.Fprintln(w, "no versions")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "VERSION\tPARENT\tSOURCE\tTHRESHOLD\tPENALTY\tBIAS\tUPDATES\tAT\tREASON")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.4f\t%+.4f\t%d\t%s\t%s\n",
			shortID(v.VersionID), shortID(v.ParentID), v.Source, v.Threshold, v.FalsePositivePenalty,
			v.ConfidenceBias, v.UpdateCount, v.LastUpdated.Format(time.RFC3339), v.Reason)
	}
	tw.Flush()
}

func printGenerations(w io.Writer, gens []cases.Generation) {
	if len(gens) == 0 {
		fmt.Fprintln(w, "no generations")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "SEQ\tGENERATION\tRUN\tMEMORY\tCASES\tACTIVE\tCREATED")
	for _, g := range gens {
		active := ""
		if g.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			g.Seq, shortID(g.GenerationID), shortID(g.RunID), g.MemoryGeneration, g.CaseCount, active,
			g.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printTraces(w io.Writer, trs []logging.RunTrace) {
	if len(trs) == 0 {
		fmt.Fprintln(w, "no traces")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATUS\tEVIDENCE\tDROPPED\tCASES\tMEMORY\tMS\tSTARTED\tREASON")
	for _, tr := range trs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			shortID(tr.RunID), tr.Trigger, tr.Status, tr.EvidenceCount, tr.Dropped, tr.CasesGenerated,
			tr.MemoryGeneration, tr.DurationMs, tr.StartedAt.Format(time.RFC3339), tr.Reason)
	}
	tw.Flush()
}

func printLearn(w io.Writer, res orchestrator.LearnResult) {
	if res.Judgments == 0 {
		fmt.Fprintln(w, "no new feedback")
		return
	}
	fmt.Fprintf(w, "learn %s: %d judgments, proposal from %s, gate %s (%s)\n",
		shortID(res.RunID), res.Judgments, res.Proposal.Source, res.Decision.Action, res.Decision.Reason)
	if res.FellBack {
		fmt.Fprintln(w, "  reasoning proposal unusable, rule output used")
	}
	if res.Limited {
		fmt.Fprintln(w, "  deltas cut to the gate caps")
	}
	for _, id := range res.Proposal.Skipped {
		fmt.Fprintf(w, "  skipped feedback on unknown case %s\n", id)
	}
	for _, c := range res.Applied {
		fmt.Fprintf(w, "  %s threshold %.4f penalty %.4f bias %+.4f (update %d)\n",
			c.Type, c.Threshold, c.FalsePositivePenalty, c.ConfidenceBias, c.UpdateCount)
	}
	fmt.Fprintf(w, "memory generation %d\n", res.MemoryGeneration)
	if res.Rerun != nil {
		fmt.Fprintln(w)
		printRun(w, *res.Rerun)
	}
}

func printEvaluation(w io.Writer, ev eval.Evaluation) {
	fmt.Fprintf(w, "evaluation %s at %s\n", shortID(ev.EvaluationID), ev.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  calibration score %.4f, false positive rate %.4f, overconfidence %.4f\n",
		ev.CalibrationScore, ev.FalsePositiveRate, ev.Overconfidence)
	fmt.Fprintf(w, "  %d feedback over %d cases, cursor %d\n", ev.FeedbackCount, ev.CaseCount, ev.FeedbackCursor)
	if len(ev.PerType) > 0 {
		tw := table(w)
		fmt.Fprintln(tw, "  TYPE\tFEEDBACK\tPOSITIVE\tNEGATIVE\tFALSE POS\tHIGH CONF NEG\tSCORE")
		for _, s := range ev.PerType {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%d\t%.4f\n",
				s.Type, s.Feedback, s.Positives, s.Negatives, s.FalsePositives, s.HighConfNegatives, s.Score)
		}
		tw.Flush()
	}
	if len(ev.Advice) > 0 {
		fmt.Fprintf(w, "  advice (%s):\n", ev.AdviceSource)
		for _, a := range ev.Advice {
			fmt.Fprintf(w, "    - %s\n", a)
		}
	}
}

// #endregion output
