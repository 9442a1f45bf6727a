package metrics

import (
	"net/http"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsiq"

// Drop reasons.
const (
	DropInputFault       = "input_fault"
	DropCalibrationFault = "calibration_fault"
	DropScoringFault     = "scoring_fault"
	DropDetectorPanic    = "detector_panic"
)

// #region metrics
// Metrics holds the loop collectors on a private registry, so several
// orchestrators (tests) never collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	Reruns             *prometheus.CounterVec
	RerunDuration      prometheus.Histogram
	Evidence           *prometheus.CounterVec
	Dropped            *prometheus.CounterVec
	CasesActive        prometheus.Gauge
	Feedback           *prometheus.CounterVec
	Learns             *prometheus.CounterVec
	ReasoningFallbacks *prometheus.CounterVec
	MemoryGeneration   prometheus.Gauge
	Threshold          *prometheus.GaugeVec
	Penalty            *prometheus.GaugeVec
	CalibrationScore   prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Reruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reruns_total",
			Help:      "Reruns by final status.",
		}, []string{"status"}),
		RerunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerun_duration_seconds",
			Help:      "Wall time of a rerun.",
			Buckets:   prometheus.DefBuckets,
		}),
		Evidence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_total",
			Help:      "Evidence items emitted by detectors.",
		}, []string{"anomaly_type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Items dropped during a rerun, by reason.",
		}, []string{"reason"}),
		CasesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cases_active",
			Help:      "Cases in the active generation.",
		}),
		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions by verdict.",
		}, []string{"verdict"}),
		Learns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learn_total",
			Help:      "Learn cycles by outcome.",
		}, []string{"outcome"}),
		ReasoningFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_fallbacks_total",
			Help:      "Reasoning calls answered by the deterministic fallback.",
		}, []string{"op"}),
		MemoryGeneration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_generation",
			Help:      "Applied delta batches since the last reset.",
		}),
		Threshold: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_threshold",
			Help:      "Current threshold per anomaly type.",
		}, []string{"anomaly_type"}),
		Penalty: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_false_positive_penalty",
			Help:      "Current false positive penalty per anomaly type.",
		}, []string{"anomaly_type"}),
		CalibrationScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_score",
			Help:      "Latest evaluator calibration score.",
		}),
	}
}

// ObserveSnapshot copies a calibration snapshot into the gauges.
func (m *Metrics) ObserveSnapshot(snap anomaly.Snapshot) {
	m.MemoryGeneration.Set(float64(snap.Generation))
	for t, c := range snap.Records {
		m.Threshold.WithLabelValues(string(t)).Set(c.Threshold)
		m.Penalty.WithLabelValues(string(t)).Set(c.FalsePositivePenalty)
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
// #endregion metrics
