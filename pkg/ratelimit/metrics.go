package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder is the minimal metrics sink the admission pipeline
// reports through. Implementations must never block the
// hot path; NoOpMetricsRecorder is the default so callers never need to
// check for a nil recorder.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder discards everything. It is the zero-cost default so
// hot-path code never branches on whether a recorder was configured.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

// PrometheusRecorder reports admission counts and decision latency through
// the client_golang registry. Counters are labeled by metric name, algorithm
// and decision (the "algorithm" and "allowed" tags); histograms are labeled
// by metric name and algorithm.
type PrometheusRecorder struct {
	counters   *prometheus.CounterVec
	histograms *prometheus.HistogramVec
}

// NewPrometheusRecorder registers its metrics with reg and returns a ready
// recorder. Pass prometheus.DefaultRegisterer for the global registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimitd",
			Name:      "admission_total",
			Help:      "Count of admission decisions by algorithm and outcome.",
		}, []string{"name", "algorithm", "allowed"}),
		histograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimitd",
			Name:      "admission_latency_seconds",
			Help:      "Latency of admission decisions by algorithm.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "algorithm"}),
	}
	reg.MustRegister(r.counters, r.histograms)
	return r
}

// Add implements MetricsRecorder.
func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	r.counters.WithLabelValues(name, tags["algorithm"], tags["allowed"]).Add(value)
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	r.histograms.WithLabelValues(name, tags["algorithm"]).Observe(value)
}
