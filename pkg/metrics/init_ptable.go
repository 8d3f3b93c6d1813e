package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initPTableMetrics() {
	r.PTablesOpenedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_ptables_opened_total",
			Help: "Total number of index tables opened",
		},
		[]string{"version", "verified"},
	)

	r.PTableOpenDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventindex_ptable_open_duration_seconds",
			Help:    "Time to open and validate an index table",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"verified"},
	)

	r.PTableCacheLookups = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_ptable_cache_lookups_total",
			Help: "Per-stream offset cache lookups by result",
		},
		[]string{"result"},
	)

	r.PTableBloomRejections = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_ptable_bloom_rejections_total",
			Help: "Queries answered by the bloom filter without reading the table",
		},
	)
}
