package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/opsiq/internal/config"
	"github.com/danielpatrickdp/opsiq/internal/logging"
	"github.com/danielpatrickdp/opsiq/internal/metrics"
	"github.com/danielpatrickdp/opsiq/internal/orchestrator"
	"github.com/danielpatrickdp/opsiq/internal/reasoning"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

// #region main

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// #endregion main

// #region app

// app carries the loaded configuration between cobra hooks and commands.
type app struct {
	cfgPath  string
	dbPath   string
	dataDir  string
	logLevel string
	jsonOut  bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "opsiq",
		Short:         "Billing anomaly detection with a feedback calibration loop",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.cfgPath, "config", "c", "", "YAML config file")
	f.StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	f.StringVar(&a.dataDir, "data", "", "CSV data directory (overrides config)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		runCmd(a),
		feedbackCmd(a),
		learnCmd(a),
		evaluateCmd(a),
		resetCmd(a),
		casesCmd(a),
		caseCmd(a),
		memoryCmd(a),
		historyCmd(a),
		generationsCmd(a),
		tracesCmd(a),
		evaluationsCmd(a),
		watchCmd(a),
	)
	return root
}

// load reads the config file and environment, then applies flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

// open wires the loop around the configured database and data directory.
// The returned func closes everything it opened.
func (a *app) open() (*orchestrator.Orchestrator, func(), error) {
	mem, err := state.NewStore(a.cfg.DBPath, state.WithLogger(a.logger.Named("state")))
	if err != nil {
		return nil, nil, err
	}

	m := metrics.New()
	strategy, err := reasoning.New(a.cfg.Reasoning, a.cfg.Update, a.cfg.Eval, a.logger.Named("reasoning"), func(op string) {
		m.ReasoningFallbacks.WithLabelValues(op).Inc()
	})
	if err != nil {
		mem.Close()
		return nil, nil, err
	}

	o, err := orchestrator.New(mem, signals.NewDirSource(a.cfg.DataDir), orchestrator.Options{
		Detect:   a.cfg.Detect,
		Scoring:  a.cfg.Scoring,
		Update:   a.cfg.Update,
		Gate:     a.cfg.Gate,
		Eval:     a.cfg.Eval,
		Strategy: strategy,
		Metrics:  m,
		Logger:   a.logger,
	})
	if err != nil {
		strategy.Close()
		mem.Close()
		return nil, nil, err
	}

	closeAll := func() {
		if err := o.Close(); err != nil {
			a.logger.Warn("close strategy", zap.Error(err))
		}
		if err := mem.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
	return o, closeAll, nil
}

// withLoop opens the loop, runs fn and closes it.
func (a *app) withLoop(fn func(o *orchestrator.Orchestrator) error) error {
	o, closeAll, err := a.open()
	if err != nil {
		return err
	}
	defer closeAll()
	return fn(o)
}

// #endregion app
