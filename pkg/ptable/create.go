package ptable

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-eventindex/pkg/bloom"
	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// CreateOptions configures Create and Merge.
type CreateOptions struct {
	// Version is the format to write (2, 3 or 4).
	Version byte
	// Depth controls how many midpoints a v4 table caches in its footer.
	// Negative disables caching.
	Depth int
	// BloomFilter writes a <file>.bloomfilter sidecar.
	BloomFilter bool
	// BloomFalsePositiveRate defaults to 1%.
	BloomFalsePositiveRate float64

	Logger logging.Logger
}

// DefaultCreateOptions writes the latest version with cached midpoints and
// a bloom filter.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Version:                LatestVersion,
		Depth:                  DefaultDepth,
		BloomFilter:            true,
		BloomFalsePositiveRate: 0.01,
	}
}

// entrySource yields entries in descending key order.
type entrySource func() (index.IndexEntry, bool, error)

// Create writes entries as a new table at path. Entries may be given in any
// order; they are sorted descending before writing.
func Create(path string, entries []index.IndexEntry, opts CreateOptions) error {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b index.IndexEntry) int { return b.Compare(a) })

	i := 0
	next := func() (index.IndexEntry, bool, error) {
		if i >= len(sorted) {
			return index.IndexEntry{}, false, nil
		}
		e := sorted[i]
		i++
		return e, true, nil
	}
	return writeTable(path, int64(len(sorted)), next, opts)
}

// writeTable streams exactly count entries from next into a temporary file
// and renames it into place. The checksum is accumulated while writing.
func writeTable(path string, count int64, next entrySource, opts CreateOptions) error {
	start := time.Now()
	logger := logging.OrDefault(opts.Logger).With(logging.Component("ptable"), logging.File(filepath.Base(path)))

	if opts.Version == 0 {
		opts.Version = LatestVersion
	}
	entrySize, err := entrySizeFor(opts.Version)
	if err != nil {
		return err
	}
	if opts.Version == Version1 {
		return fmt.Errorf("%w: version 1 tables cannot be written", index.ErrUnsupportedVersion)
	}
	if opts.BloomFalsePositiveRate <= 0 {
		opts.BloomFalsePositiveRate = 0.01
	}

	var midpointIdx []int64
	if opts.Version >= Version4 && opts.Depth >= 0 {
		if n := midpointCount(count, opts.Depth); n <= count {
			midpointIdx = midpointIndices(count, n)
		}
	}
	var filter *bloom.Filter
	if opts.BloomFilter {
		filter = bloom.New(int(max(count, 1)), opts.BloomFalsePositiveRate)
	}

	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	sum := md5.New()
	buffered := bufio.NewWriterSize(file, 1<<20)
	w := io.MultiWriter(buffered, sum)

	if _, err := w.Write(encodeHeader(opts.Version)); err != nil {
		return err
	}

	mids := make([]index.IndexEntry, 0, len(midpointIdx))
	buf := make([]byte, entrySize)
	var prev index.IndexEntry
	var lastStream uint64
	for i := int64(0); i < count; i++ {
		e, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("entry source ended after %d of %d entries", i, count)
		}
		if i > 0 && e.Key().GreaterThan(prev.Key()) {
			return fmt.Errorf("entries out of order at %d: %s follows %s", i, e.Key(), prev.Key())
		}
		if err := encodeEntry(buf, opts.Version, e); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		if len(mids) < len(midpointIdx) && midpointIdx[len(mids)] == i {
			mids = append(mids, index.IndexEntry{Stream: e.Stream, Version: e.Version, Position: i})
		}
		if filter != nil && (i == 0 || e.Stream != lastStream) {
			filter.AddUint64(e.Stream)
		}
		lastStream = e.Stream
		prev = e
	}
	if _, ok, err := next(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("entry source yielded more than %d entries", count)
	}

	if opts.Version >= Version4 {
		for _, m := range mids {
			if err := encodeEntry(buf, opts.Version, m); err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		if _, err := w.Write(encodeFooter(opts.Version, uint32(len(mids)))); err != nil {
			return err
		}
	}

	if err := buffered.Flush(); err != nil {
		return err
	}
	if _, err := file.Write(sum.Sum(nil)); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	committed = true

	if filter != nil {
		if err := filter.WriteFile(BloomFilterPath(path)); err != nil {
			// the table is usable without its filter
			logger.Warn("failed to write bloom filter", logging.Error(err))
		}
	}

	logger.Debug("wrote index table",
		logging.Int("version", int(opts.Version)),
		logging.Int64("entries", count),
		logging.Int("cached_midpoints", len(mids)),
		logging.Latency(time.Since(start)))
	return nil
}
