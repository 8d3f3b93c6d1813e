package ptable

import (
	"fmt"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

func (t *PTable) maybeCorrupt(key index.IndexEntryKey, format string, args ...any) error {
	return &index.MaybeCorruptIndexError{
		File:    t.filename,
		Stream:  key.Stream,
		Version: key.Version,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// checkBounds fails when a probed key escapes the keys that bracket the
// current search range.
func (t *PTable) checkBounds(key, lowKey, highKey index.IndexEntryKey) error {
	if key.GreaterThan(lowKey) {
		return t.maybeCorrupt(key, "key %s is greater than the low bound %s", key, lowKey)
	}
	if key.SmallerThan(highKey) {
		return t.maybeCorrupt(key, "key %s is smaller than the high bound %s", key, highKey)
	}
	return nil
}

// chopForLatest returns the first item in r whose key is <= endKey.
func (t *PTable) chopForLatest(r searchRange, endKey index.IndexEntryKey) (int64, error) {
	low, high := r.low, r.high
	lowKey, highKey := r.lowKey, r.highKey
	for low < high {
		mid := low + (high-low)/2
		e, err := t.readEntry(mid)
		if err != nil {
			return 0, err
		}
		key := e.Key()
		if err := t.checkBounds(key, lowKey, highKey); err != nil {
			return 0, err
		}
		if key.GreaterThan(endKey) {
			low = mid + 1
			lowKey = key
		} else {
			high = mid
			highKey = key
		}
	}
	return high, nil
}

// chopForOldest returns the last item in r whose key is >= startKey.
func (t *PTable) chopForOldest(r searchRange, startKey index.IndexEntryKey) (int64, error) {
	low, high := r.low, r.high
	lowKey, highKey := r.lowKey, r.highKey
	for low < high {
		mid := low + (high-low+1)/2
		e, err := t.readEntry(mid)
		if err != nil {
			return 0, err
		}
		key := e.Key()
		if err := t.checkBounds(key, lowKey, highKey); err != nil {
			return 0, err
		}
		if key.SmallerThan(startKey) {
			high = mid - 1
			highKey = key
		} else {
			low = mid
			lowKey = key
		}
	}
	return low, nil
}

// scanRange reads forward from item start (newest to oldest) collecting
// entries within [startKey, endKey], stopping after last or limit entries.
func (t *PTable) scanRange(start, last int64, startKey, endKey index.IndexEntryKey, limit int) ([]index.IndexEntry, error) {
	var result []index.IndexEntry
	for i := start; i <= last; i++ {
		e, err := t.readEntry(i)
		if err != nil {
			return nil, err
		}
		key := e.Key()
		if key.GreaterThan(endKey) {
			return nil, t.maybeCorrupt(key, "entry %d with key %s is above the range end %s", i, key, endKey)
		}
		if key.SmallerThan(startKey) {
			break
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// outOfBounds reports whether no key in [startKey, endKey] can be in the table.
func (t *PTable) outOfBounds(startKey, endKey index.IndexEntryKey) bool {
	return startKey.GreaterThan(t.maxEntry) || endKey.SmallerThan(t.minEntry)
}
