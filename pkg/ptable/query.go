package ptable

import (
	"errors"
	"math"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// ErrInvalidRange is returned for negative event numbers.
var ErrInvalidRange = errors.New("event numbers must not be negative")

// streamBounds returns the widest key range a stream can occupy.
func streamBounds(hash StreamHash) (index.IndexEntryKey, index.IndexEntryKey) {
	return index.NewKey(uint64(hash), 0), index.NewKey(uint64(hash), math.MaxInt64)
}

// mayHold runs the cheap rejections in order: key bounds, then the bloom
// filter. Neither touches the file.
func (t *PTable) mayHold(hash StreamHash, startKey, endKey index.IndexEntryKey) bool {
	if t.outOfBounds(startKey, endKey) {
		return false
	}
	return t.mightContainStream(hash)
}

// TryGetOneValue returns the position of the entry for (stream, number).
// When a table holds duplicate keys the first one in file order wins.
func (t *PTable) TryGetOneValue(stream uint64, number int64) (int64, bool, error) {
	if number < 0 {
		return 0, false, ErrInvalidRange
	}
	entries, err := t.GetRange(stream, number, number, 1)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return entries[0].Position, true, nil
}

// TryGetLatestEntry returns the entry with the highest version for stream.
func (t *PTable) TryGetLatestEntry(stream uint64) (index.IndexEntry, bool, error) {
	hash := t.streamHash(stream)
	startKey, endKey := streamBounds(hash)
	if !t.mayHold(hash, startKey, endKey) {
		return index.IndexEntry{}, false, nil
	}
	if err := t.acquire(); err != nil {
		return index.IndexEntry{}, false, err
	}
	defer t.release()

	if t.cache != nil {
		entry, ok, err := t.tryGetCachedEntry(hash)
		if err != nil || !ok {
			return index.IndexEntry{}, false, err
		}
		e, err := t.readEntry(entry.LatestOffset)
		return e, err == nil, err
	}

	r := t.locateRecordRange(endKey, startKey)
	i, err := t.chopForLatest(r, endKey)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	e, err := t.readEntry(i)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	key := e.Key()
	if key.GreaterThan(endKey) {
		return index.IndexEntry{}, false, t.maybeCorrupt(key, "latest candidate %s is above %s", key, endKey)
	}
	if key.SmallerThan(startKey) {
		return index.IndexEntry{}, false, nil
	}
	return e, true, nil
}

// TryGetOldestEntry returns the entry with the lowest version for stream.
func (t *PTable) TryGetOldestEntry(stream uint64) (index.IndexEntry, bool, error) {
	hash := t.streamHash(stream)
	startKey, endKey := streamBounds(hash)
	if !t.mayHold(hash, startKey, endKey) {
		return index.IndexEntry{}, false, nil
	}
	if err := t.acquire(); err != nil {
		return index.IndexEntry{}, false, err
	}
	defer t.release()

	if t.cache != nil {
		entry, ok, err := t.tryGetCachedEntry(hash)
		if err != nil || !ok {
			return index.IndexEntry{}, false, err
		}
		e, err := t.readEntry(entry.OldestOffset)
		return e, err == nil, err
	}

	r := t.locateRecordRange(endKey, startKey)
	i, err := t.chopForOldest(r, startKey)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	e, err := t.readEntry(i)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	key := e.Key()
	if key.SmallerThan(startKey) {
		return index.IndexEntry{}, false, t.maybeCorrupt(key, "oldest candidate %s is below %s", key, startKey)
	}
	if key.GreaterThan(endKey) {
		return index.IndexEntry{}, false, nil
	}
	return e, true, nil
}

// GetRange returns the entries of stream with versions in
// [startNumber, endNumber], newest first. A limit <= 0 means no limit.
func (t *PTable) GetRange(stream uint64, startNumber, endNumber int64, limit int) ([]index.IndexEntry, error) {
	if startNumber < 0 || endNumber < 0 {
		return nil, ErrInvalidRange
	}
	if startNumber > endNumber {
		return nil, nil
	}
	hash := t.streamHash(stream)
	startKey := index.NewKey(uint64(hash), startNumber)
	endKey := index.NewKey(uint64(hash), endNumber)
	if !t.mayHold(hash, startKey, endKey) {
		return nil, nil
	}
	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()

	if t.cache != nil {
		return t.getRangeCached(hash, startNumber, endNumber, startKey, endKey, limit)
	}

	r := t.locateRecordRange(endKey, startKey)
	first, err := t.chopForLatest(r, endKey)
	if err != nil {
		return nil, err
	}
	return t.scanRange(first, t.count-1, startKey, endKey, limit)
}

func (t *PTable) getRangeCached(hash StreamHash, startNumber, endNumber int64, startKey, endKey index.IndexEntryKey, limit int) ([]index.IndexEntry, error) {
	entry, ok, err := t.tryGetCachedEntry(hash)
	if err != nil || !ok {
		return nil, err
	}
	if startNumber > entry.LatestNumber || endNumber < entry.OldestNumber {
		return nil, nil
	}

	first := entry.LatestOffset
	if endNumber < entry.LatestNumber {
		first, err = t.chopForLatest(entry.searchRange(hash), endKey)
		if err != nil {
			return nil, err
		}
	}
	return t.scanRange(first, entry.OldestOffset, startKey, endKey, limit)
}

// IterateAllInOrder returns every entry in file order, largest key first.
func (t *PTable) IterateAllInOrder() ([]index.IndexEntry, error) {
	it, err := t.Iterator()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make([]index.IndexEntry, 0, t.count)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// Iterator walks a table in file order. It holds a handle on the table
// until Close, so the file cannot be deleted underneath it.
type Iterator struct {
	table  *PTable
	next   int64
	closed bool
}

// Iterator returns a new iterator positioned at the first entry.
func (t *PTable) Iterator() (*Iterator, error) {
	if err := t.acquire(); err != nil {
		return nil, err
	}
	return &Iterator{table: t}, nil
}

// Next returns the next entry, or false once the table is exhausted.
func (it *Iterator) Next() (index.IndexEntry, bool, error) {
	if it.closed || it.next >= it.table.count {
		return index.IndexEntry{}, false, nil
	}
	e, err := it.table.readEntry(it.next)
	if err != nil {
		return index.IndexEntry{}, false, err
	}
	it.next++
	return e, true, nil
}

// Close releases the iterator's handle. It is safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.table.release()
}
