// Package metrics provides Prometheus instrumentation for neodock.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	// Single probes and port allocation
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0}

	// HTTP requests
	mediumBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

	// Cold starts, snapshots - can take minutes
	slowBuckets = []float64{1, 5, 10, 30, 60, 120, 180, 300, 600}
)

// Start outcomes.
const (
	StartCreated   = "created"
	StartReused    = "reused"
	StartRecreated = "recreated"
	StartRestarted = "restarted"
	StartFailed    = "failed"
)

// Collector holds all Prometheus metrics for neodock.
type Collector struct {
	// Gauges
	ManagedInstances *prometheus.GaugeVec

	// Counters
	StartsTotal           *prometheus.CounterVec
	StopsTotal            *prometheus.CounterVec
	ReadinessProbesTotal  *prometheus.CounterVec
	PortAllocationsTotal  *prometheus.CounterVec
	SnapshotOpsTotal      *prometheus.CounterVec
	CleanupRemovalsTotal  *prometheus.CounterVec
	ReconcileRemovedTotal prometheus.Counter

	// Histograms
	StartDuration        *prometheus.HistogramVec
	WaitForReadyDuration prometheus.Histogram
	ProbeDuration        prometheus.Histogram
	SnapshotDuration     *prometheus.HistogramVec
	HTTPRequestDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		ManagedInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "neodock",
			Name:      "managed_instances",
			Help:      "Instances tracked by this process",
		}, []string{"environment"}),

		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Name:      "starts_total",
			Help:      "Total number of start requests by outcome",
		}, []string{"environment", "outcome"}),
		StopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Name:      "stops_total",
			Help:      "Total number of stop requests",
		}, []string{"environment", "result"}),
		ReadinessProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Name:      "readiness_probes_total",
			Help:      "Total number of readiness probe attempts",
		}, []string{"result"}),
		PortAllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Subsystem: "ports",
			Name:      "allocations_total",
			Help:      "Total number of port pair allocations",
		}, []string{"result"}),
		SnapshotOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Total number of snapshot exports and imports",
		}, []string{"operation", "result"}),
		CleanupRemovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neodock",
			Subsystem: "cleanup",
			Name:      "removed_total",
			Help:      "Total number of resources removed by cleanup",
		}, []string{"kind"}),
		ReconcileRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neodock",
			Subsystem: "ports",
			Name:      "reconciled_total",
			Help:      "Total number of stale port reservations dropped",
		}),

		StartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neodock",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to ready instance in seconds",
			Buckets:   slowBuckets,
		}, []string{"outcome"}),
		WaitForReadyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neodock",
			Name:      "wait_for_ready_duration_seconds",
			Help:      "Total time waiting for the database to accept queries in seconds",
			Buckets:   slowBuckets,
		}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neodock",
			Name:      "probe_duration_seconds",
			Help:      "Single readiness probe latency in seconds",
			Buckets:   fastBuckets,
		}),
		SnapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neodock",
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Snapshot export and import duration in seconds",
			Buckets:   slowBuckets,
		}, []string{"operation"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neodock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		c.ManagedInstances,
		c.StartsTotal,
		c.StopsTotal,
		c.ReadinessProbesTotal,
		c.PortAllocationsTotal,
		c.SnapshotOpsTotal,
		c.CleanupRemovalsTotal,
		c.ReconcileRemovedTotal,
		c.StartDuration,
		c.WaitForReadyDuration,
		c.ProbeDuration,
		c.SnapshotDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
