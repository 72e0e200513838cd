// Package metrics collects and exposes Prometheus metrics for
// checkpoint operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes checkpoint metrics.
type Collector struct {
	saves          *prometheus.CounterVec
	recoveryPoints *prometheus.CounterVec
	cleanups       prometheus.Counter
	saveDuration   prometheus.Histogram
}

// New creates a metrics collector registered on reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_saves_total",
				Help: "Total number of checkpoint saves by resulting status",
			},
			[]string{"status"},
		),
		recoveryPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_recovery_points_total",
				Help: "Recovery point lookups by outcome",
			},
			[]string{"outcome"},
		),
		cleanups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "checkpoint_workflow_cleanups_total",
				Help: "Total number of workflow cleanup calls",
			},
		),
		saveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkpoint_save_duration_seconds",
				Help:    "Time taken to persist a checkpoint",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(c.saves)
	reg.MustRegister(c.recoveryPoints)
	reg.MustRegister(c.cleanups)
	reg.MustRegister(c.saveDuration)

	return c
}

// IncSave increments the save counter for the given status tag.
func (c *Collector) IncSave(status string) {
	c.saves.WithLabelValues(status).Inc()
}

// IncRecoveryPoint records a recovery point lookup outcome
// ("found" or "absent").
func (c *Collector) IncRecoveryPoint(outcome string) {
	c.recoveryPoints.WithLabelValues(outcome).Inc()
}

// IncCleanup increments the workflow cleanup counter.
func (c *Collector) IncCleanup() {
	c.cleanups.Inc()
}

// ObserveSaveDuration observes one save round-trip.
func (c *Collector) ObserveSaveDuration(d time.Duration) {
	c.saveDuration.Observe(d.Seconds())
}

// StartServer starts an HTTP server exposing /metrics on addr.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
