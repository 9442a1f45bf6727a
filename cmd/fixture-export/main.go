package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/feedback"
	"github.com/danielpatrickdp/opsiq/internal/replay"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/spf13/cobra"
)

// #region main

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	dbPath     string
	dataDir    string
	outPath    string
	fromMemory bool
	last       int
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "fixture-export --db opsiq.db --data data --out fixture.yaml",
		Short: "Freeze the current data and recorded feedback into a replay fixture",
		Long: "fixture-export reads the data directory and the recorded feedback, replays\n" +
			"them with one round per verdict and writes the outcome as the fixture's\n" +
			"expectations. Replaying the fixture later flags any behavior change.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	f.StringVar(&opts.dataDir, "data", "", "CSV data directory")
	f.StringVarP(&opts.outPath, "out", "o", "", "output fixture YAML path")
	f.BoolVar(&opts.fromMemory, "from-memory", false, "start from the current calibration instead of defaults")
	f.IntVar(&opts.last, "last", 0, "export only the most recent N verdicts (0 = all)")
	for _, name := range []string{"db", "data", "out"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// #endregion main

// #region extract

func run(ctx context.Context, opts options) error {
	store, err := state.NewStore(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	fb, err := feedback.NewStore(store.DB())
	if err != nil {
		return err
	}
	recs, err := fb.ListSince(ctx, 0)
	if err != nil {
		return fmt.Errorf("list feedback: %w", err)
	}
	if opts.last > 0 && len(recs) > opts.last {
		recs = recs[len(recs)-opts.last:]
	}

	records, err := signals.NewDirSource(opts.dataDir).FetchBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	fixture := &replay.Fixture{
		Description: fmt.Sprintf("Export of %d records and %d verdicts from %s", len(records), len(recs), opts.dbPath),
		Records:     records,
	}
	start := anomaly.DefaultSnapshot()
	if opts.fromMemory {
		snap, err := store.Snapshot(ctx)
		if err != nil {
			return err
		}
		fixture.Memory = memoryOverrides(snap)
		if start, err = fixture.Snapshot(); err != nil {
			return err
		}
	}

	rounds := make([]replay.FixtureRound, len(recs))
	for i, r := range recs {
		rounds[i] = replay.FixtureRound{
			Name:     fmt.Sprintf("feedback-%d", r.Seq),
			Feedback: []replay.FixtureFeedback{{CaseID: r.CaseID, Verdict: r.Verdict}},
		}
	}
	fixture.Rounds = rounds

	results, err := replay.Replay(ctx, start, records, fixture.ToRounds(), fixture.ToConfig())
	if err != nil {
		return err
	}
	fixture.Initial = replay.Expect(results[0].Cases)
	fixture.Initial.Action = results[0].Action
	for i := range fixture.Rounds {
		res := results[i+1]
		fixture.Rounds[i].Expect = replay.Expect(res.Cases)
		fixture.Rounds[i].Expect.Action = res.Action
	}

	if err := replay.WriteFixture(opts.outPath, fixture); err != nil {
		return err
	}
	fmt.Printf("Wrote fixture to %s (%d records, %d rounds)\n", opts.outPath, len(records), len(fixture.Rounds))
	return nil
}

// #endregion extract

// memoryOverrides records every calibration that differs from its default.
func memoryOverrides(snap anomaly.Snapshot) []replay.FixtureCalibration {
	var out []replay.FixtureCalibration
	for _, t := range anomaly.Types {
		c, ok := snap.Records[t]
		if !ok {
			continue
		}
		def := anomaly.DefaultCalibration(t)
		if c.Threshold == def.Threshold && c.FalsePositivePenalty == 0 && c.ConfidenceBias == 0 && c.UpdateCount == 0 {
			continue
		}
		threshold, penalty, bias := c.Threshold, c.FalsePositivePenalty, c.ConfidenceBias
		out = append(out, replay.FixtureCalibration{
			AnomalyType:          t,
			Threshold:            &threshold,
			FalsePositivePenalty: &penalty,
			ConfidenceBias:       &bias,
			UpdateCount:          c.UpdateCount,
		})
	}
	return out
}
