package detect

import (
	"iter"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/signals"
)

// #region detector

// Detector scans a batch and yields evidence for one anomaly type.
//
// Detect must not mutate the batch or the snapshot. The returned sequence is
// lazy and can be ranged over more than once. A non-nil error item reports a
// single faulty record (or a missing calibration record); the consumer
// counts it and keeps iterating.
type Detector interface {
	Type() anomaly.Type
	Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error]
}

// #endregion detector

// #region config

// Config holds the fixed (non-learned) detector parameters. Learned
// thresholds live in the calibration snapshot.
type Config struct {
	Prices             map[string]float64 `koanf:"prices"`          // monthly list price per plan tier
	UsageAllowance     map[string]float64 `koanf:"usage_allowance"` // usage units included per tier per usage window
	OverageRate        float64            `koanf:"overage_rate" validate:"gte=0"`
	UsageWindowDays    int                `koanf:"usage_window_days" validate:"gte=1"`
	SpikeMinCount      int                `koanf:"spike_min_count" validate:"gte=1"`      // a region/day needs at least this many refunds
	SpikeBaselineDays  int                `koanf:"spike_baseline_days" validate:"gte=1"`  // prior days considered for the baseline
	CreditFrequencyCap int                `koanf:"credit_frequency_cap" validate:"gte=1"` // manual credits per customer before flagging
}

// DefaultConfig returns the price book and caps of the standard data set.
func DefaultConfig() Config {
	return Config{
		Prices: map[string]float64{
			"starter":    49,
			"pro":        199,
			"enterprise": 499,
		},
		UsageAllowance: map[string]float64{
			"starter":    1000,
			"pro":        10000,
			"enterprise": 100000,
		},
		OverageRate:        0.01,
		UsageWindowDays:    30,
		SpikeMinCount:      3,
		SpikeBaselineDays:  30,
		CreditFrequencyCap: 3,
	}
}

// #endregion config
