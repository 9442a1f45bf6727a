package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/danielpatrickdp/opsiq/internal/replay"
	"github.com/spf13/cobra"
)

// errDiverged marks a replay that did not match its fixture.
var errDiverged = errors.New("replay diverged from fixture")

// #region main

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errDiverged) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	var fixturePath string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "replay --fixture path/to/fixture.yaml",
		Short: "Replay a feedback fixture through detection, learning and the gate",
		Long: "Replay runs the fixture records under its starting calibration, applies each\n" +
			"feedback round in memory and compares every round with its expectations.\n" +
			"Exits 1 when any round diverges.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), fixturePath, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&fixturePath, "fixture", "f", "", "path to fixture YAML")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print round results as JSON")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

// #endregion main

// #region run

func run(ctx context.Context, w io.Writer, path string, jsonOut bool) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	start, err := f.Snapshot()
	if err != nil {
		return fmt.Errorf("starting calibration: %w", err)
	}

	results, err := replay.Replay(ctx, start, f.Records, f.ToRounds(), f.ToConfig())
	if err != nil {
		return err
	}
	mismatches := replay.Compare(f, results)

	if jsonOut {
		data, err := json.MarshalIndent(struct {
			Results    []replay.RoundResult `json:"results"`
			Summary    replay.Summary       `json:"summary"`
			Mismatches []replay.Mismatch    `json:"mismatches"`
		}{results, replay.Summarize(results), mismatches}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		printComparison(w, results, mismatches)
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %d mismatches", errDiverged, len(mismatches))
	}
	return nil
}

// #endregion run

// #region output

// printComparison writes one row per round with its action, top case and
// whether it matched.
func printComparison(w io.Writer, results []replay.RoundResult, mismatches []replay.Mismatch) {
	diverged := make(map[string]bool, len(mismatches))
	for _, m := range mismatches {
		diverged[m.Round] = true
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tACTION\tJUDGMENTS\tCASES\tTOP IMPACT\tMATCH")
	for _, r := range results {
		top := "-"
		if len(r.Cases) > 0 {
			top = fmt.Sprintf("%.2f %s", r.Cases[0].ImpactEstimate, r.Cases[0].AnomalyType)
		}
		match := "OK"
		if diverged[r.Round] {
			match = "DIFF"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.Round, r.Action, r.Judgments, len(r.Cases), top, match)
	}
	tw.Flush()

	for _, m := range mismatches {
		fmt.Fprintln(w, "  ", m)
	}
	s := replay.Summarize(results)
	fmt.Fprintf(w, "\nSummary: %d rounds, %d commit, %d limited, %d no_op, %d reject, %d mismatches\n",
		s.Rounds, s.Commits, s.Limited, s.NoOps, s.Rejects, len(mismatches))
}

// #endregion output
