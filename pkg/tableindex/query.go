package tableindex

import (
	"context"
	"errors"
	"slices"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
)

// maxSnapshotAttempts bounds retries when a merge retires a table between
// taking a snapshot and reading it.
const maxSnapshotAttempts = 10

// snapshot is the set of sources a query reads, newest memtable first.
type snapshot struct {
	mems   []*memTable
	tables []*ptable.PTable
}

func (ti *TableIndex) snapshot() (snapshot, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if !ti.initialized || ti.closed {
		return snapshot{}, ErrNotInitialized
	}
	s := snapshot{mems: make([]*memTable, 0, len(ti.awaiting)+1), tables: make([]*ptable.PTable, len(ti.tables))}
	s.mems = append(s.mems, ti.active)
	for i := len(ti.awaiting) - 1; i >= 0; i-- {
		s.mems = append(s.mems, ti.awaiting[i])
	}
	for i, t := range ti.tables {
		s.tables[i] = t.PTable
	}
	return s, nil
}

// withSnapshot runs fn against a fresh snapshot, retrying when one of its
// tables was retired mid-read.
func (ti *TableIndex) withSnapshot(fn func(snapshot) error) error {
	var err error
	for range maxSnapshotAttempts {
		var s snapshot
		if s, err = ti.snapshot(); err != nil {
			return err
		}
		if err = fn(s); !errors.Is(err, index.ErrFileBeingDeleted) {
			return err
		}
	}
	return err
}

// TryGetOneValue returns the position of version in streamID.
func (ti *TableIndex) TryGetOneValue(streamID string, version int64) (int64, bool, error) {
	entries, err := ti.GetRange(streamID, version, version, 1)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return entries[0].Position, true, nil
}

// TryGetLatestEntry returns the entry with the highest version for the
// stream's hash across all sources.
func (ti *TableIndex) TryGetLatestEntry(streamID string) (index.IndexEntry, bool, error) {
	hash := ti.opts.Hasher.Hash(streamID)
	var best index.IndexEntry
	var found bool
	err := ti.withSnapshot(func(s snapshot) error {
		best, found = index.IndexEntry{}, false
		consider := func(e index.IndexEntry) {
			if !found || e.Compare(best) > 0 {
				best, found = e, true
			}
		}
		for _, m := range s.mems {
			if e, ok := m.latest(hash); ok {
				consider(e)
			}
		}
		for _, t := range s.tables {
			e, ok, err := t.TryGetLatestEntry(hash)
			if err != nil {
				return err
			}
			if ok {
				consider(e)
			}
		}
		return nil
	})
	return best, found && err == nil, err
}

// TryGetOldestEntry returns the entry with the lowest version for the
// stream's hash across all sources.
func (ti *TableIndex) TryGetOldestEntry(streamID string) (index.IndexEntry, bool, error) {
	hash := ti.opts.Hasher.Hash(streamID)
	var best index.IndexEntry
	var found bool
	err := ti.withSnapshot(func(s snapshot) error {
		best, found = index.IndexEntry{}, false
		consider := func(e index.IndexEntry) {
			if !found || e.Compare(best) < 0 {
				best, found = e, true
			}
		}
		for _, m := range s.mems {
			if e, ok := m.oldest(hash); ok {
				consider(e)
			}
		}
		for _, t := range s.tables {
			e, ok, err := t.TryGetOldestEntry(hash)
			if err != nil {
				return err
			}
			if ok {
				consider(e)
			}
		}
		return nil
	})
	return best, found && err == nil, err
}

// GetRange returns entries of the stream's hash with versions in
// [startVersion, endVersion], newest first. A limit <= 0 means no limit.
// Entries of colliding streams are included; callers filter by reading
// the log record.
func (ti *TableIndex) GetRange(streamID string, startVersion, endVersion int64, limit int) ([]index.IndexEntry, error) {
	if startVersion < 0 || endVersion < 0 {
		return nil, ptable.ErrInvalidRange
	}
	if startVersion > endVersion {
		return nil, nil
	}
	hash := ti.opts.Hasher.Hash(streamID)
	var out []index.IndexEntry
	err := ti.withSnapshot(func(s snapshot) error {
		out = out[:0]
		for _, m := range s.mems {
			out = append(out, m.rangeOf(hash, startVersion, endVersion, limit)...)
		}
		for _, t := range s.tables {
			entries, err := t.GetRange(hash, startVersion, endVersion, limit)
			if err != nil {
				return err
			}
			out = append(out, entries...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b index.IndexEntry) int { return b.Compare(a) })
	out = slices.Compact(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TryGetLatestEntryBefore returns the newest entry of streamID written
// before beforePosition. isForStream confirms candidates, so entries of
// colliding streams are skipped.
func (ti *TableIndex) TryGetLatestEntryBefore(ctx context.Context, streamID string, beforePosition int64, isForStream ptable.StreamPredicate) (index.IndexEntry, bool, error) {
	hash := ti.opts.Hasher.Hash(streamID)
	var best index.IndexEntry
	var found bool
	err := ti.withSnapshot(func(s snapshot) error {
		best, found = index.IndexEntry{}, false
		consider := func(e index.IndexEntry) {
			if !found || e.Compare(best) > 0 {
				best, found = e, true
			}
		}
		for _, m := range s.mems {
			e, ok, err := m.latestBefore(ctx, hash, beforePosition, isForStream)
			if err != nil {
				return err
			}
			if ok {
				consider(e)
			}
		}
		for _, t := range s.tables {
			e, ok, err := t.TryGetLatestEntryBefore(ctx, hash, beforePosition, isForStream)
			if err != nil {
				return err
			}
			if ok {
				consider(e)
			}
		}
		return nil
	})
	return best, found && err == nil, err
}
