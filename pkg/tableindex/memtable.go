package tableindex

import (
	"context"
	"slices"
	"sync"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// memTable holds recently added entries until they are flushed to a
// PTable. Entries of each stream hash are kept sorted by (version, position).
type memTable struct {
	mu      sync.RWMutex
	streams map[uint64][]index.IndexEntry
	count   int

	prepareCheckpoint int64
	commitCheckpoint  int64
}

func newMemTable() *memTable {
	return &memTable{
		streams:           make(map[uint64][]index.IndexEntry),
		prepareCheckpoint: -1,
		commitCheckpoint:  -1,
	}
}

func (m *memTable) add(commitPos int64, entries []index.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		list := append(m.streams[e.Stream], e)
		// entries almost always arrive in order, so bubble the new one down
		for i := len(list) - 1; i > 0 && list[i].Compare(list[i-1]) < 0; i-- {
			list[i], list[i-1] = list[i-1], list[i]
		}
		m.streams[e.Stream] = list
		m.prepareCheckpoint = max(m.prepareCheckpoint, e.Position)
	}
	m.count += len(entries)
	m.commitCheckpoint = max(m.commitCheckpoint, commitPos)
}

func (m *memTable) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

func (m *memTable) checkpoints() (prepare, commit int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prepareCheckpoint, m.commitCheckpoint
}

// all returns every entry, in no particular order.
func (m *memTable) all() []index.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]index.IndexEntry, 0, m.count)
	for _, list := range m.streams {
		out = append(out, list...)
	}
	return out
}

func (m *memTable) latest(hash uint64) (index.IndexEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.streams[hash]
	if len(list) == 0 {
		return index.IndexEntry{}, false
	}
	return list[len(list)-1], true
}

func (m *memTable) oldest(hash uint64) (index.IndexEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.streams[hash]
	if len(list) == 0 {
		return index.IndexEntry{}, false
	}
	return list[0], true
}

// rangeOf returns entries with versions in [start, end], newest first.
func (m *memTable) rangeOf(hash uint64, start, end int64, limit int) []index.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.streams[hash]
	var out []index.IndexEntry
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.Version > end {
			continue
		}
		if e.Version < start {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// latestBefore returns the newest entry of the stream below beforePosition
// that isForStream accepts.
func (m *memTable) latestBefore(ctx context.Context, hash uint64, beforePosition int64, isForStream func(context.Context, index.IndexEntry) (bool, error)) (index.IndexEntry, bool, error) {
	m.mu.RLock()
	list := slices.Clone(m.streams[hash])
	m.mu.RUnlock()

	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.Position >= beforePosition {
			continue
		}
		ok, err := isForStream(ctx, e)
		if err != nil {
			return index.IndexEntry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return index.IndexEntry{}, false, nil
}
