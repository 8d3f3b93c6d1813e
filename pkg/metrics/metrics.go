package metrics

import (
	"strconv"
	"time"
)

// RecordTableOpened records an index table being opened
func (r *Registry) RecordTableOpened(version byte, verified bool, took time.Duration) {
	v := strconv.FormatBool(verified)
	r.PTablesOpenedTotal.WithLabelValues(strconv.Itoa(int(version)), v).Inc()
	r.PTableOpenDuration.WithLabelValues(v).Observe(took.Seconds())
}

// RecordCacheLookup records a per-stream cache lookup
func (r *Registry) RecordCacheLookup(hit bool) {
	if hit {
		r.PTableCacheLookups.WithLabelValues("hit").Inc()
	} else {
		r.PTableCacheLookups.WithLabelValues("miss").Inc()
	}
}

// RecordCommit records one applied commit
func (r *Registry) RecordCommit(entries int, duration time.Duration) {
	r.CommitsTotal.Inc()
	r.CommitEntries.Observe(float64(entries))
	r.CommitDuration.Observe(duration.Seconds())
}

// UpdateRebuildProgress records how far an index rebuild has got
func (r *Registry) UpdateRebuildProgress(records, position, buildTo int64) {
	r.RebuildRecordsTotal.Set(float64(records))
	if buildTo > 0 {
		r.RebuildProgress.Set(min(float64(position)/float64(buildTo), 1))
	} else {
		r.RebuildProgress.Set(1)
	}
}

// UpdateTableIndexMetrics records the table index shape
func (r *Registry) UpdateTableIndexMetrics(tables int, commitCheckpoint int64) {
	r.IndexTables.Set(float64(tables))
	r.IndexCommitCheckpoint.Set(float64(commitCheckpoint))
}
