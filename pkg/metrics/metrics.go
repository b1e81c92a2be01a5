// Package metrics provides Prometheus instrumentation for the EM-tree
// clusterer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for a clustering run.
type Metrics struct {
	VectorsInserted prometheus.Counter
	IterationsTotal prometheus.Counter
	PrunedClusters  prometheus.Counter
	RMSE            prometheus.Gauge
	LeafClusters    prometheus.Gauge
	ObjectCount     prometheus.Gauge
	PhaseDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all clusterer metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		VectorsInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emtree_vectors_inserted_total",
				Help: "Total vectors routed into the tree across all passes.",
			},
		),
		IterationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emtree_iterations_total",
				Help: "Completed EM iterations over the full stream.",
			},
		),
		PrunedClusters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emtree_clusters_pruned_total",
				Help: "Total empty clusters removed by prune passes.",
			},
		),
		RMSE: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "emtree_rmse",
				Help: "RMSE of the most recent insert pass.",
			},
		),
		LeafClusters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "emtree_leaf_clusters",
				Help: "Cluster count at the leaf level after the last prune.",
			},
		),
		ObjectCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "emtree_object_count",
				Help: "Vectors routed during the most recent pass.",
			},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emtree_phase_duration_seconds",
				Help:    "Wall time per run phase (bootstrap, insert, update, write).",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200, 3600},
			},
			[]string{"phase"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.VectorsInserted,
		m.IterationsTotal,
		m.PrunedClusters,
		m.RMSE,
		m.LeafClusters,
		m.ObjectCount,
		m.PhaseDuration,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIteration records the outcome of one full EM iteration.
func (m *Metrics) RecordIteration(read uint64, pruned int, rmse float64, leafClusters int, duration time.Duration) {
	m.VectorsInserted.Add(float64(read))
	m.IterationsTotal.Inc()
	m.PrunedClusters.Add(float64(pruned))
	m.RMSE.Set(rmse)
	m.LeafClusters.Set(float64(leafClusters))
	m.ObjectCount.Set(float64(read))
	m.PhaseDuration.WithLabelValues("insert").Observe(duration.Seconds())
}

// ObservePhase records the wall time of a named run phase.
func (m *Metrics) ObservePhase(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}
