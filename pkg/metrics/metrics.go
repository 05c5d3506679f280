// Package metrics provides Prometheus metrics for hgraphdb.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hgraphdb"

// Metrics holds the collectors shared by one graph instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Index maintenance
	IndexEntriesWritten prometheus.Counter
	IndexEntriesDeleted *prometheus.CounterVec

	// Stale index cleanup
	StaleCleanups     *prometheus.CounterVec
	CleanerQueueDepth prometheus.Gauge

	// Index population
	PopulationElements *prometheus.CounterVec
	PopulationDuration *prometheus.HistogramVec

	// Element cache
	CacheLookups *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry so several graphs
// can live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{Registry: reg}

	m.IndexEntriesWritten = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_entries_written_total",
		Help:      "Index entries written by online writes and population",
	})
	m.IndexEntriesDeleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_entries_deleted_total",
		Help:      "Index entries deleted, by reason",
	}, []string{"reason"})

	m.StaleCleanups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "tasks_total",
		Help:      "Stale index cleanup tasks, by result",
	}, []string{"result"})
	m.CleanerQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "queue_depth",
		Help:      "Stale index entries waiting for cleanup",
	})

	m.PopulationElements = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "population",
		Name:      "elements_total",
		Help:      "Elements visited by index population jobs, by result",
	}, []string{"index", "result"})
	m.PopulationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "population",
		Name:      "duration_seconds",
		Help:      "Duration of index population jobs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"strategy", "status"})

	m.CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Element cache lookups, by cache and result",
	}, []string{"cache", "result"})

	return m
}
