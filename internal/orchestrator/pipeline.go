package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/cases"
	"github.com/danielpatrickdp/opsiq/internal/detect"
	"github.com/danielpatrickdp/opsiq/internal/metrics"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
	"github.com/danielpatrickdp/opsiq/internal/signals"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// #region build-cases

// detectorOutput is what one detector goroutine leaves behind.
type detectorOutput struct {
	evidence []anomaly.Evidence
	faults   []error
	panicked any
}

// BuildCases runs every detector over batch concurrently, scores the evidence
// against snap and builds the ranked case set. It touches no store, so the
// same batch and snapshot always give the same result.
//
// A panicking detector is dropped whole. Faulty records and unscorable
// evidence are dropped one by one. Only context cancellation fails the call.
func BuildCases(
	ctx context.Context,
	detectors []detect.Detector,
	batch *signals.Batch,
	snap anomaly.Snapshot,
	cfg scoring.Config,
	logger *zap.Logger,
) (PipelineResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return PipelineResult{}, fmt.Errorf("detect: %w", err)
	}

	outputs := make([]detectorOutput, len(detectors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(detectors), 1))
	for i, d := range detectors {
		g.Go(func() error {
			out := &outputs[i]
			defer func() {
				if r := recover(); r != nil {
					*out = detectorOutput{panicked: r}
				}
			}()
			for ev, err := range d.Detect(batch, snap) {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err != nil {
					out.faults = append(out.faults, err)
					continue
				}
				out.evidence = append(out.evidence, ev)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PipelineResult{}, fmt.Errorf("detect: %w", err)
	}

	res := PipelineResult{PerType: map[anomaly.Type]int{}}
	var scored []cases.Scored
	// Detectors share records, so one bad row can be reported several times.
	faulty := map[string]bool{}
	for i, d := range detectors {
		typ := d.Type()
		out := outputs[i]
		if out.panicked != nil {
			logger.Error("detector panicked, output dropped",
				zap.String("anomaly_type", string(typ)), zap.Any("panic", out.panicked))
			res.Drops = append(res.Drops, Drop{
				Reason: metrics.DropDetectorPanic, Type: typ, Detail: fmt.Sprint(out.panicked),
			})
			continue
		}

		for _, err := range out.faults {
			if errors.Is(err, anomaly.ErrInputFault) {
				key := err.Error()
				var rf *anomaly.RecordFault
				if errors.As(err, &rf) {
					key = rf.Key()
				}
				if !faulty[key] {
					faulty[key] = true
					res.InputFaults++
				}
				logger.Debug("record skipped", zap.String("anomaly_type", string(typ)), zap.Error(err))
				continue
			}
			logger.Warn("detector fault", zap.String("anomaly_type", string(typ)), zap.Error(err))
			reason := metrics.DropInputFault
			if errors.Is(err, anomaly.ErrCalibrationFault) {
				reason = metrics.DropCalibrationFault
			}
			res.Drops = append(res.Drops, Drop{Reason: reason, Type: typ, Detail: err.Error()})
		}

		res.EvidenceCount += len(out.evidence)
		res.PerType[typ] += len(out.evidence)
		for _, ev := range out.evidence {
			score, err := scoring.Score(ev, snap, cfg)
			if err != nil {
				logger.Warn("evidence dropped", zap.String("anomaly_type", string(typ)), zap.Error(err))
				res.Drops = append(res.Drops, Drop{Reason: metrics.DropScoringFault, Type: typ, Detail: err.Error()})
				continue
			}
			scored = append(scored, cases.Scored{Evidence: ev, Score: score})
		}
	}

	res.Cases = cases.Build(scored)
	return res, nil
}

// #endregion build-cases
