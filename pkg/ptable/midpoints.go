package ptable

import (
	"bytes"
	"crypto/md5"
	"unsafe"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

const verifyChunkSize = 1 << 20

func (t *PTable) buildMidpoints(opts Options, cachedMidpoints int64) (bool, error) {
	want := midpointCount(t.count, opts.Depth)

	budgetExceeded := opts.MaxMidpointBytes > 0 &&
		want*int64(unsafe.Sizeof(index.Midpoint{})) > opts.MaxMidpointBytes
	if budgetExceeded {
		t.logger.Warn("not enough memory for midpoints, lookups will be slower",
			logging.Int64("requested", want), logging.Int64("budget_bytes", opts.MaxMidpointBytes))
		want = 0
	}

	if opts.SkipVerify {
		if want > 0 && cachedMidpoints == want {
			mids, err := t.loadCachedMidpoints(cachedMidpoints)
			if err != nil {
				return false, err
			}
			t.midpoints = mids
			return false, nil
		}
		mids, err := t.computeMidpoints(want)
		if err != nil {
			return false, err
		}
		t.midpoints = mids
		return false, nil
	}

	timer := logging.StartTimer(t.logger, "verified index table hash")
	mids, err := t.computeMidpoints(want)
	if err != nil {
		return false, err
	}
	if err := t.verifyChecksum(); err != nil {
		return false, err
	}
	timer.End()
	t.midpoints = mids
	return true, nil
}

// computeMidpoints samples n keys from the entry region and checks that
// they are ordered.
func (t *PTable) computeMidpoints(n int64) ([]index.Midpoint, error) {
	if n == 0 {
		return nil, nil
	}
	indices := midpointIndices(t.count, n)
	mids := make([]index.Midpoint, n)
	for i, itemIndex := range indices {
		e, err := t.readEntry(itemIndex)
		if err != nil {
			return nil, err
		}
		mids[i] = index.Midpoint{Key: e.Key(), ItemIndex: itemIndex}
		if i > 0 && mids[i-1].Key.SmallerThan(mids[i].Key) {
			return nil, t.corrupt(index.ErrInvalidFile,
				"entries are not sorted: %s at %d precedes %s at %d",
				mids[i-1].Key, mids[i-1].ItemIndex, mids[i].Key, itemIndex)
		}
	}
	return mids, nil
}

// loadCachedMidpoints reads the midpoints persisted after the entry region.
func (t *PTable) loadCachedMidpoints(n int64) ([]index.Midpoint, error) {
	base := HeaderSize + t.count*t.entrySize
	buf := make([]byte, n*t.entrySize)
	if _, err := t.reader.ReadAt(buf, base); err != nil {
		return nil, t.corrupt(index.ErrInvalidFile, "failed to read cached midpoints: %v", err)
	}
	mids := make([]index.Midpoint, n)
	for i := int64(0); i < n; i++ {
		e := decodeEntry(buf[i*t.entrySize:], t.version)
		mids[i] = index.Midpoint{Key: e.Key(), ItemIndex: e.Position}
	}
	if err := t.validateMidpoints(mids); err != nil {
		return nil, err
	}
	return mids, nil
}

func (t *PTable) validateMidpoints(mids []index.Midpoint) error {
	if len(mids) == 0 {
		return nil
	}
	if mids[0].ItemIndex != 0 || mids[len(mids)-1].ItemIndex != t.count-1 {
		return t.corrupt(index.ErrInvalidFile,
			"cached midpoints span [%d, %d], want [0, %d]",
			mids[0].ItemIndex, mids[len(mids)-1].ItemIndex, t.count-1)
	}
	for i := 1; i < len(mids); i++ {
		if mids[i-1].Key.SmallerThan(mids[i].Key) {
			return t.corrupt(index.ErrInvalidFile, "cached midpoint keys out of order at %d: %s < %s",
				i, mids[i-1].Key, mids[i].Key)
		}
		if mids[i-1].ItemIndex > mids[i].ItemIndex {
			return t.corrupt(index.ErrInvalidFile, "cached midpoint indexes out of order at %d: %d > %d",
				i, mids[i-1].ItemIndex, mids[i].ItemIndex)
		}
	}
	return nil
}

// verifyChecksum hashes every byte before the trailing MD5 and compares.
func (t *PTable) verifyChecksum() error {
	h := md5.New()
	buf := make([]byte, verifyChunkSize)
	end := t.size - MD5Size
	for off := int64(0); off < end; {
		n := min(int64(len(buf)), end-off)
		if _, err := t.reader.ReadAt(buf[:n], off); err != nil {
			return t.corrupt(index.ErrInvalidFile, "failed to read at %d: %v", off, err)
		}
		_, _ = h.Write(buf[:n])
		off += n
	}
	stored := make([]byte, MD5Size)
	if _, err := t.reader.ReadAt(stored, end); err != nil {
		return t.corrupt(index.ErrInvalidFile, "failed to read checksum: %v", err)
	}
	computed := h.Sum(nil)
	if !bytes.Equal(stored, computed) {
		return t.corrupt(index.ErrHashMismatch, "stored %x, computed %x", stored, computed)
	}
	return nil
}

// lowerMidpointBound returns the last midpoint whose key is greater than
// key, or 0.
func lowerMidpointBound(mids []index.Midpoint, key index.IndexEntryKey) int {
	l, r := 0, len(mids)-1
	for l < r {
		m := l + (r-l+1)/2
		if mids[m].Key.GreaterThan(key) {
			l = m
		} else {
			r = m - 1
		}
	}
	return l
}

// upperMidpointBound returns the first midpoint whose key is smaller than
// key, or the last midpoint.
func upperMidpointBound(mids []index.Midpoint, key index.IndexEntryKey) int {
	l, r := 0, len(mids)-1
	for l < r {
		m := l + (r-l)/2
		if mids[m].Key.SmallerThan(key) {
			r = m
		} else {
			l = m + 1
		}
	}
	return r
}

// searchRange is an inclusive item range together with keys bracketing
// it: every key in [low, high] lies within [highKey, lowKey].
type searchRange struct {
	low, high       int64
	lowKey, highKey index.IndexEntryKey
}

// locateRecordRange narrows the search for keys in [lower, upper] using
// the midpoints.
func (t *PTable) locateRecordRange(upper, lower index.IndexEntryKey) searchRange {
	mids := t.midpoints
	if len(mids) == 0 {
		return searchRange{low: 0, high: t.count - 1, lowKey: index.MaxKey, highKey: index.MinKey}
	}
	lo := lowerMidpointBound(mids, upper)
	hi := upperMidpointBound(mids, lower)
	return searchRange{
		low:     mids[lo].ItemIndex,
		high:    mids[hi].ItemIndex,
		lowKey:  mids[lo].Key,
		highKey: mids[hi].Key,
	}
}
