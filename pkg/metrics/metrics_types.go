package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the index metrics. Each Registry owns its own
// prometheus.Registry so tests can create as many as they like.
type Registry struct {
	// PTable Metrics
	PTablesOpenedTotal    *prometheus.CounterVec
	PTableOpenDuration    *prometheus.HistogramVec
	PTableCacheLookups    *prometheus.CounterVec
	PTableBloomRejections prometheus.Counter

	// Commit Metrics
	CommitsTotal        prometheus.Counter
	IndexedEventsTotal  *prometheus.CounterVec
	CommitDuration      prometheus.Histogram
	CommitEntries       prometheus.Histogram
	CommittedPosition   prometheus.Gauge
	RebuildRecordsTotal prometheus.Gauge
	RebuildProgress     prometheus.Gauge

	// Table Index Metrics
	IndexTables           prometheus.Gauge
	IndexCommitCheckpoint prometheus.Gauge

	UptimeSeconds prometheus.GaugeFunc

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initPTableMetrics()
	r.initCommitMetrics()
	r.initTableIndexMetrics()
	r.initProcessMetrics()

	return r
}

// GetPrometheusRegistry returns the registry to expose, e.g. through promhttp.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
