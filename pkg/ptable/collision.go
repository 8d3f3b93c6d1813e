package ptable

import (
	"context"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// StreamPredicate confirms that an entry whose hash matches really belongs
// to the requested stream. It typically reads the event from the log.
type StreamPredicate func(ctx context.Context, e index.IndexEntry) (bool, error)

// TryGetLatestEntryBefore returns the newest entry of stream whose log
// position is strictly below beforePosition. Matching hashes are checked
// with isForStream; the first rejection switches to a linear scan that
// checks every candidate, so a colliding stream is never returned.
func (t *PTable) TryGetLatestEntryBefore(ctx context.Context, stream uint64, beforePosition int64, isForStream StreamPredicate) (index.IndexEntry, bool, error) {
	hash := t.streamHash(stream)
	startKey, endKey := streamBounds(hash)
	if !t.mayHold(hash, startKey, endKey) {
		return index.IndexEntry{}, false, nil
	}
	if err := t.acquire(); err != nil {
		return index.IndexEntry{}, false, err
	}
	defer t.release()

	r := t.locateRecordRange(endKey, startKey)
	low, high := r.low, r.high
	lowKey, highKey := r.lowKey, r.highKey

	var candidate index.IndexEntry
	found := false
	for low <= high {
		if err := ctx.Err(); err != nil {
			return index.IndexEntry{}, false, err
		}
		mid := low + (high-low)/2
		e, err := t.readEntry(mid)
		if err != nil {
			return index.IndexEntry{}, false, err
		}
		key := e.Key()
		if err := t.checkBounds(key, lowKey, highKey); err != nil {
			return index.IndexEntry{}, false, err
		}

		switch {
		case key.Stream == uint64(hash):
			ok, err := isForStream(ctx, e)
			if err != nil {
				return index.IndexEntry{}, false, err
			}
			if !ok {
				return t.tryGetLatestEntryBeforeSlow(ctx, r, startKey, endKey, beforePosition, isForStream)
			}
			if e.Position < beforePosition {
				candidate, found = e, true
				high = mid - 1
				highKey = key
			} else {
				low = mid + 1
				lowKey = key
			}
		case key.GreaterThan(endKey):
			low = mid + 1
			lowKey = key
		default:
			high = mid - 1
			highKey = key
		}
	}
	return candidate, found, nil
}

func (t *PTable) tryGetLatestEntryBeforeSlow(ctx context.Context, r searchRange, startKey, endKey index.IndexEntryKey, beforePosition int64, isForStream StreamPredicate) (index.IndexEntry, bool, error) {
	first, err := t.chopForLatest(r, endKey)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	for i := first; i < t.count; i++ {
		if err := ctx.Err(); err != nil {
			return index.IndexEntry{}, false, err
		}
		e, err := t.readEntry(i)
		if err != nil {
			return index.IndexEntry{}, false, err
		}
		key := e.Key()
		if key.GreaterThan(endKey) {
			return index.IndexEntry{}, false, t.maybeCorrupt(key, "entry %d with key %s is above %s", i, key, endKey)
		}
		if key.SmallerThan(startKey) {
			return index.IndexEntry{}, false, nil
		}
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
