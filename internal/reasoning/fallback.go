package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// #region options
// FallbackOptions tune WithFallback.
type FallbackOptions struct {
	Timeout    time.Duration
	Limiter    *rate.Limiter // nil disables limiting
	Logger     *zap.Logger
	OnFallback func(op string) // called once per fallback, e.g. to count it
}
// #endregion options

// #region fallback
type fallback struct {
	primary Strategy
	backup  Strategy
	opts    FallbackOptions
}

// WithFallback wraps primary so that any error, timeout, rate-limit refusal
// or malformed reply is answered by backup instead. Callers never see
// ErrReasoningUnavailable.
func WithFallback(primary, backup Strategy, opts FallbackOptions) Strategy {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &fallback{primary: primary, backup: backup, opts: opts}
}

func (f *fallback) Name() string { return f.primary.Name() }

func (f *fallback) Close() error {
	return f.primary.Close()
}

func (f *fallback) ProposeMemoryDeltas(ctx context.Context, judgments []update.Judgment, snap anomaly.Snapshot) (update.Proposal, error) {
	var p update.Proposal
	err := f.guard(ctx, "propose", func(ctx context.Context) error {
		var err error
		p, err = f.primary.ProposeMemoryDeltas(ctx, judgments, snap)
		return err
	})
	if err != nil {
		return f.backup.ProposeMemoryDeltas(ctx, judgments, snap)
	}
	return p, nil
}

func (f *fallback) CalibrationAdvice(ctx context.Context, in eval.AdviceInput) ([]string, error) {
	var advice []string
	err := f.guard(ctx, "advice", func(ctx context.Context) error {
		var err error
		advice, err = f.primary.CalibrationAdvice(ctx, in)
		if err == nil && len(advice) == 0 {
			err = fmt.Errorf("%w: empty advice", anomaly.ErrReasoningUnavailable)
		}
		return err
	})
	if err != nil {
		return f.backup.CalibrationAdvice(ctx, in)
	}
	return advice, nil
}

// guard runs call under the limiter and timeout and records a fallback when
// it fails.
func (f *fallback) guard(ctx context.Context, op string, call func(context.Context) error) error {
	var err error
	switch {
	case f.opts.Limiter != nil && !f.opts.Limiter.Allow():
		err = fmt.Errorf("%w: rate limited", anomaly.ErrReasoningUnavailable)
	default:
		cctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		err = call(cctx)
		cancel()
	}
	if err == nil {
		return nil
	}
	f.opts.Logger.Warn("reasoning fallback",
		zap.String("strategy", f.primary.Name()),
		zap.String("op", op),
		zap.Error(err),
	)
	if f.opts.OnFallback != nil {
		f.opts.OnFallback(op)
	}
	return err
}
// #endregion fallback

// #region new
// New builds the configured strategy. Anything but the deterministic one is
// wrapped with a deterministic fallback.
func New(cfg Config, updateCfg update.Config, evalCfg eval.Config, logger *zap.Logger, onFallback func(op string)) (Strategy, error) {
	det := NewDeterministic(updateCfg, evalCfg)

	var primary Strategy
	switch cfg.Provider {
	case "", ProviderNone:
		return det, nil
	case ProviderOpenAI:
		o, err := NewOpenAI(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		primary = o
	case ProviderGRPC:
		r, err := NewRemote(cfg.GRPC.Addr)
		if err != nil {
			return nil, err
		}
		primary = r
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), max(cfg.Burst, 1))
	}
	return WithFallback(primary, det, FallbackOptions{
		Timeout:    cfg.Timeout,
		Limiter:    limiter,
		Logger:     logger,
		OnFallback: onFallback,
	}), nil
}
// #endregion new
