package ptable

import (
	"math"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// CacheEntry summarises one stream within a table: its version span and
// the item offsets of its newest and oldest entries.
type CacheEntry struct {
	OldestNumber int64
	LatestNumber int64
	OldestOffset int64
	LatestOffset int64
}

func (c CacheEntry) latestKey(hash StreamHash) index.IndexEntryKey {
	return index.NewKey(uint64(hash), c.LatestNumber)
}

func (c CacheEntry) oldestKey(hash StreamHash) index.IndexEntryKey {
	return index.NewKey(uint64(hash), c.OldestNumber)
}

func (c CacheEntry) searchRange(hash StreamHash) searchRange {
	return searchRange{
		low:     c.LatestOffset,
		high:    c.OldestOffset,
		lowKey:  c.latestKey(hash),
		highKey: c.oldestKey(hash),
	}
}

// tryGetCachedEntry looks the stream up in the LRU, populating either the
// confirmed-present or the confirmed-absent cache on a miss.
func (t *PTable) tryGetCachedEntry(hash StreamHash) (CacheEntry, bool, error) {
	if entry, ok := t.cache.Get(hash); ok {
		t.observer.CacheLookup(true)
		return entry, true, nil
	}
	if _, ok := t.confirmedAbsent.Get(hash); ok {
		t.observer.CacheLookup(true)
		return CacheEntry{}, false, nil
	}
	t.observer.CacheLookup(false)

	startKey := index.NewKey(uint64(hash), 0)
	endKey := index.NewKey(uint64(hash), math.MaxInt64)
	r := t.locateRecordRange(endKey, startKey)

	latestIdx, err := t.chopForLatest(r, endKey)
	if err != nil {
		return CacheEntry{}, false, err
	}
	latest, err := t.readEntry(latestIdx)
	if err != nil {
		return CacheEntry{}, false, err
	}
	latestKey := latest.Key()
	if latestKey.GreaterThan(endKey) {
		return CacheEntry{}, false, t.maybeCorrupt(latestKey, "latest candidate %s is above %s", latestKey, endKey)
	}
	if latestKey.SmallerThan(startKey) {
		t.confirmedAbsent.Add(hash, true)
		return CacheEntry{}, false, nil
	}

	oldestIdx, err := t.chopForOldest(searchRange{
		low: latestIdx, high: r.high, lowKey: latestKey, highKey: r.highKey,
	}, startKey)
	if err != nil {
		return CacheEntry{}, false, err
	}
	oldest, err := t.readEntry(oldestIdx)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if oldestKey := oldest.Key(); oldestKey.SmallerThan(startKey) {
		return CacheEntry{}, false, t.maybeCorrupt(oldestKey, "oldest candidate %s is below %s", oldestKey, startKey)
	}

	entry := CacheEntry{
		OldestNumber: oldest.Version,
		LatestNumber: latest.Version,
		OldestOffset: oldestIdx,
		LatestOffset: latestIdx,
	}
	t.cache.Add(hash, entry)
	return entry, true, nil
}
