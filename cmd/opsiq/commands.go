package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/feedback"
	"github.com/danielpatrickdp/opsiq/internal/orchestrator"
	"github.com/spf13/cobra"
)

// #region loop-commands

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Rerun detection over the data directory and publish a new case generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				res, err := o.Rerun(cmd.Context(), orchestrator.TriggerManual)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printRun(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func feedbackCmd(a *app) *cobra.Command {
	var note string
	var learn bool
	cmd := &cobra.Command{
		Use:   "feedback <case-id> <verdict>",
		Short: "Record a reviewer verdict on a case",
		Long: "Record a reviewer verdict on a case. Verdicts: " + verdictList() + ".\n" +
			"With --learn the new feedback is folded into calibration right away.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				rec, err := o.SubmitFeedback(cmd.Context(), feedback.Input{
					CaseID:  args[0],
					Verdict: anomaly.Verdict(strings.ToLower(strings.TrimSpace(args[1]))),
					Note:    note,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !learn {
					if a.jsonOut {
						return printJSON(out, rec)
					}
					fmt.Fprintf(out, "feedback #%d recorded: %s on %s\n", rec.Seq, rec.Verdict, rec.CaseID)
					return nil
				}

				res, err := o.Learn(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(out, struct {
						Feedback feedback.Record          `json:"feedback"`
						Learn    orchestrator.LearnResult `json:"learn"`
					}{rec, res})
				}
				fmt.Fprintf(out, "feedback #%d recorded: %s on %s\n", rec.Seq, rec.Verdict, rec.CaseID)
				printLearn(out, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&note, "note", "n", "", "free-text reviewer note")
	cmd.Flags().BoolVar(&learn, "learn", false, "learn from new feedback immediately")
	return cmd
}

func learnCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Fold new feedback into calibration and rerun when anything changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				res, err := o.Learn(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printLearn(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func evaluateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Score calibration against feedback since the last evaluation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				ev, err := o.Evaluate(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), ev)
				}
				printEvaluation(cmd.OutOrStdout(), ev)
				return nil
			})
		},
	}
}

func resetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear feedback, cases, evaluations and traces and restore default calibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes all feedback and history; pass --yes to confirm")
			}
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				if err := o.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "reset to defaults")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// #endregion loop-commands

// #region read-commands

func casesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cases",
		Short: "List the active cases in rank order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				cs, err := o.Cases(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), cs)
				}
				printCases(cmd.OutOrStdout(), cs)
				return nil
			})
		},
	}
}

func caseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "case <case-id>",
		Short: "Show one case with its scoring rationale and feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				c, err := o.Case(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fb, err := o.Feedback(cmd.Context(), c.CaseID)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), struct {
						Case     any               `json:"case"`
						Feedback []feedback.Record `json:"feedback"`
					}{c, fb})
				}
				printCaseDetail(cmd.OutOrStdout(), c, fb)
				return nil
			})
		},
	}
}

func memoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "memory",
		Short: "Show the current calibration record of every anomaly type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				snap, err := o.Memory(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), snap)
				}
				printMemory(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}
}

func historyCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <anomaly-type>",
		Short: "Show the calibration versions of one anomaly type, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := anomaly.ParseType(args[0])
			if err != nil {
				return err
			}
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				vs, err := o.History(cmd.Context(), typ, limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), vs)
				}
				printHistory(cmd.OutOrStdout(), vs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of versions")
	return cmd
}

func generationsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "List recent case generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				gens, err := o.Generations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), gens)
				}
				printGenerations(cmd.OutOrStdout(), gens)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of generations")
	return cmd
}

func tracesCmd(a *app) *cobra.Command {
	var limit int
	var trigger string
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List recent run traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				trs, err := o.RunTraces(cmd.Context(), trigger, limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), trs)
				}
				printTraces(cmd.OutOrStdout(), trs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of traces")
	cmd.Flags().StringVar(&trigger, "trigger", "", "only traces with this trigger")
	return cmd
}

func evaluationsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "evaluations",
		Short: "List stored evaluations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLoop(func(o *orchestrator.Orchestrator) error {
				evs, err := o.Evaluations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), evs)
				}
				for _, ev := range evs {
					printEvaluation(cmd.OutOrStdout(), ev)
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of evaluations")
	return cmd
}

// #endregion read-commands

func verdictList() string {
	names := make([]string, len(anomaly.Verdicts))
	for i, v := range anomaly.Verdicts {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}
