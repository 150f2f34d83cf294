// Package metrics provides Prometheus metrics for the pyramid engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pyramid engine.
type Metrics struct {
	// Slice metrics
	SlicesProcessed *prometheus.CounterVec
	SlicesFailed    *prometheus.CounterVec
	LevelsCompleted *prometheus.CounterVec
	LevelsSkipped   *prometheus.CounterVec

	// Timing metrics
	SliceDuration *prometheus.HistogramVec
	LevelDuration *prometheus.HistogramVec

	// Pipeline metrics
	QueueDepth      prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
	EtaSeconds      prometheus.Gauge
	WeightedDone    prometheus.Gauge
	SlicesPerSecond prometheus.Gauge

	// Error metrics
	DecodeErrors   *prometheus.CounterVec
	EncodeErrors   *prometheus.CounterVec
	SecurityErrors prometheus.Counter
	AccelFallbacks prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ct_pyramid"
	}

	m := &Metrics{
		SlicesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_processed_total",
				Help:      "Total number of output slices generated",
			},
			[]string{"level"},
		),
		SlicesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_failed_total",
				Help:      "Total number of work items that failed",
			},
			[]string{"level"},
		),
		LevelsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "levels_completed_total",
				Help:      "Total number of pyramid levels completed",
			},
			[]string{"format"},
		),
		LevelsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "levels_skipped_total",
				Help:      "Total number of levels skipped via manifest resume",
			},
			[]string{"format"},
		),
		SliceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "slice_duration_seconds",
				Help:      "Time to produce one output slice (decode, reduce, encode)",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"level"},
		),
		LevelDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "level_duration_seconds",
				Help:      "Time to generate a complete pyramid level",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"level"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "work_queue_depth",
				Help:      "Current number of work items in the queue",
			},
		),
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Number of workers currently processing an item",
			},
		),
		EtaSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "eta_seconds",
				Help:      "Current estimated time to completion",
			},
		),
		WeightedDone: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "weighted_work_done",
				Help:      "Completed work in weighted units",
			},
		),
		SlicesPerSecond: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "slices_per_second",
				Help:      "Current slice processing rate",
			},
		),
		DecodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of source slice decode errors",
			},
			[]string{"level"},
		),
		EncodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "encode_errors_total",
				Help:      "Total number of output slice encode errors",
			},
			[]string{"level"},
		),
		SecurityErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_errors_total",
				Help:      "Total number of sandbox path violations",
			},
		),
		AccelFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accelerator_fallbacks_total",
				Help:      "Total number of batches that fell back to the interpreted path",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance, or nil if Init has not been
// called. All recording methods are safe to call on a nil receiver.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncSlicesProcessed increments the processed slice counter for a level.
func (m *Metrics) IncSlicesProcessed(level string) {
	if m == nil {
		return
	}
	m.SlicesProcessed.WithLabelValues(level).Inc()
}

// IncSlicesFailed increments the failed slice counter for a level.
func (m *Metrics) IncSlicesFailed(level string) {
	if m == nil {
		return
	}
	m.SlicesFailed.WithLabelValues(level).Inc()
}

// ObserveSliceDuration records the time spent on one work item.
func (m *Metrics) ObserveSliceDuration(level string, seconds float64) {
	if m == nil {
		return
	}
	m.SliceDuration.WithLabelValues(level).Observe(seconds)
}

// ObserveLevelDuration records the time spent on a whole level.
func (m *Metrics) ObserveLevelDuration(level string, seconds float64) {
	if m == nil {
		return
	}
	m.LevelDuration.WithLabelValues(level).Observe(seconds)
}

// IncLevelsCompleted increments the completed level counter.
func (m *Metrics) IncLevelsCompleted(format string) {
	if m == nil {
		return
	}
	m.LevelsCompleted.WithLabelValues(format).Inc()
}

// IncLevelsSkipped increments the skipped level counter.
func (m *Metrics) IncLevelsSkipped(format string) {
	if m == nil {
		return
	}
	m.LevelsSkipped.WithLabelValues(format).Inc()
}

// IncDecodeErrors increments the decode error counter for a level.
func (m *Metrics) IncDecodeErrors(level string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(level).Inc()
}

// IncEncodeErrors increments the encode error counter for a level.
func (m *Metrics) IncEncodeErrors(level string) {
	if m == nil {
		return
	}
	m.EncodeErrors.WithLabelValues(level).Inc()
}

// IncSecurityErrors increments the sandbox violation counter.
func (m *Metrics) IncSecurityErrors() {
	if m == nil {
		return
	}
	m.SecurityErrors.Inc()
}

// IncAccelFallbacks increments the accelerator fallback counter.
func (m *Metrics) IncAccelFallbacks() {
	if m == nil {
		return
	}
	m.AccelFallbacks.Inc()
}

// SetQueueDepth records the current work queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetActiveWorkers records the current worker count.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

// SetProgress publishes the latest estimator readings.
func (m *Metrics) SetProgress(etaSeconds, weightedDone, ratePerSecond float64) {
	if m == nil {
		return
	}
	if etaSeconds >= 0 {
		m.EtaSeconds.Set(etaSeconds)
	}
	m.WeightedDone.Set(weightedDone)
	m.SlicesPerSecond.Set(ratePerSecond)
}
