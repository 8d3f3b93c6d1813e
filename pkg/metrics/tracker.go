package metrics

import (
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/committer"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

var (
	_ committer.IndexTracker = (*Tracker)(nil)
	_ ptable.Observer        = (*Tracker)(nil)
)

// Tracker feeds index and committer events into a Registry.
type Tracker struct {
	r *Registry
}

// Tracker returns a sink for the committer and for index tables.
func (r *Registry) Tracker() *Tracker {
	return &Tracker{r: r}
}

// OnIndexed counts indexed events and tracks the committed position.
func (t *Tracker) OnIndexed(prepares []*tlog.PrepareRecord) {
	for _, p := range prepares {
		if p.Flags.Has(tlog.FlagStreamDelete) {
			t.r.IndexedEventsTotal.WithLabelValues("delete").Inc()
		} else {
			t.r.IndexedEventsTotal.WithLabelValues("event").Inc()
		}
	}
	if n := len(prepares); n > 0 {
		t.r.CommittedPosition.Set(float64(prepares[n-1].LogPosition))
	}
}

func (t *Tracker) OnCommit(entries int, elapsed time.Duration) {
	t.r.RecordCommit(entries, elapsed)
}

func (t *Tracker) OnRebuildProgress(records, position, buildTo int64) {
	t.r.UpdateRebuildProgress(records, position, buildTo)
}

func (t *Tracker) TableOpened(version byte, verified bool, took time.Duration) {
	t.r.RecordTableOpened(version, verified, took)
}

func (t *Tracker) CacheLookup(hit bool) { t.r.RecordCacheLookup(hit) }

func (t *Tracker) BloomRejected() { t.r.PTableBloomRejections.Inc() }
