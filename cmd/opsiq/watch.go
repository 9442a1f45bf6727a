package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/orchestrator"
	"github.com/danielpatrickdp/opsiq/internal/telemetry"
	"github.com/danielpatrickdp/opsiq/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// #region watch-command

func watchCmd(a *app) *cobra.Command {
	var metricsAddr string
	var trace bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rerun whenever the data directory changes and serve metrics",
		Long: "Watch reruns detection once at startup and again after every burst of CSV\n" +
			"changes in the data directory. Metrics are served at /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Watch.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("trace") {
				a.cfg.Watch.Trace = trace
			}
			return runWatch(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address, empty disables (overrides config)")
	cmd.Flags().BoolVar(&trace, "trace", false, "export spans to stdout (overrides config)")
	return cmd
}

func runWatch(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg.Watch

	if cfg.Trace {
		shutdown, err := telemetry.Setup(os.Stdout, "opsiq", Version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("flush spans", zap.Error(err))
			}
		}()
	}

	return a.withLoop(func(o *orchestrator.Orchestrator) error {
		var srv *http.Server
		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", o.Metrics().Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				if o.Status().State == orchestrator.StateFailed {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				_, _ = w.Write([]byte(o.Status().State))
			})
			srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}

		rerun := func(ctx context.Context, files []string) {
			res, err := o.Rerun(ctx, orchestrator.TriggerWatch)
			switch {
			case errors.Is(err, orchestrator.ErrRunInProgress):
				logger.Info("rerun skipped, run in progress", zap.Strings("files", files))
			case err != nil:
				logger.Error("rerun failed", zap.Strings("files", files), zap.Error(err))
			default:
				logger.Info("rerun complete",
					zap.Strings("files", files),
					zap.String("run_id", res.RunID),
					zap.Int("cases", len(res.Cases)),
				)
			}
		}
		rerun(ctx, nil)

		w, err := watch.New(a.cfg.DataDir, cfg.Debounce, rerun, logger.Named("watch"))
		if err != nil {
			return err
		}
		logger.Info("watching", zap.String("dir", a.cfg.DataDir), zap.Duration("debounce", cfg.Debounce))
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// #endregion watch-command
