package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCommitMetrics() {
	r.CommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_commits_total",
			Help: "Total number of commits applied to the index",
		},
	)

	r.IndexedEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_indexed_events_total",
			Help: "Total number of events indexed",
		},
		[]string{"kind"},
	)

	r.CommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventindex_commit_duration_seconds",
			Help:    "Time to apply one commit to the index",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	r.CommitEntries = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventindex_commit_entries",
			Help:    "Index entries added per commit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	r.CommittedPosition = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_committed_position",
			Help: "Log position of the last indexed event",
		},
	)

	r.RebuildRecordsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_rebuild_records",
			Help: "Log records replayed by the current index rebuild",
		},
	)

	r.RebuildProgress = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_rebuild_progress_ratio",
			Help: "Fraction of the log replayed by the current index rebuild",
		},
	)
}

func (r *Registry) initTableIndexMetrics() {
	r.IndexTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_tables",
			Help: "Number of live index tables",
		},
	)

	r.IndexCommitCheckpoint = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_persisted_commit_checkpoint",
			Help: "Commit position covered by persisted index tables",
		},
	)
}
