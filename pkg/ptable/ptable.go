// Package ptable implements the immutable on-disk index table: a sorted,
// MD5-checksummed file of (stream hash, version) -> log position entries
// with optional cached midpoints, a bloom filter sidecar and an LRU of
// per-stream offsets.
package ptable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-eventindex/pkg/bloom"
	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// Options configures Open.
type Options struct {
	// ID names the table in logs; defaults to the file's base name.
	ID string
	// Depth is log2 of the number of midpoints to keep in memory.
	Depth int
	// SkipVerify skips the MD5 check and allows loading cached midpoints.
	SkipVerify bool
	// UseBloomFilter opens the <file>.bloomfilter sidecar if present.
	UseBloomFilter bool
	// LRUCacheSize is the per-stream offset cache capacity. The cache is
	// only enabled when a bloom filter is loaded.
	LRUCacheSize int
	// MaxMidpointBytes caps the midpoint array; above it the table opens
	// without midpoints. Zero means unlimited.
	MaxMidpointBytes int64

	Logger   logging.Logger
	Observer Observer
}

// DefaultOptions returns the options used by the table index.
func DefaultOptions() Options {
	return Options{
		Depth:          DefaultDepth,
		UseBloomFilter: true,
		LRUCacheSize:   1_000_000,
	}
}

// PTable is an open, read-only index table. It is safe for concurrent use.
type PTable struct {
	id        string
	filename  string
	version   byte
	entrySize int64
	count     int64
	size      int64

	reader    *mmap.ReaderAt
	midpoints []index.Midpoint
	minEntry  index.IndexEntryKey
	maxEntry  index.IndexEntryKey

	bloom           *bloom.Filter
	cache           *lru.Cache[StreamHash, CacheEntry]
	confirmedAbsent *lru.Cache[StreamHash, bool]

	refs       atomic.Int64
	disposing  atomic.Bool
	deleteFile atomic.Bool
	cleaned    atomic.Bool
	destroyed  chan struct{}

	entryReads  atomic.Int64
	bloomChecks atomic.Int64

	logger   logging.Logger
	observer Observer
}

// Stats exposes read counters, mostly for tests and diagnostics.
type Stats struct {
	EntryReads  int64
	BloomChecks int64
}

// Open opens and validates a table file. No half-open table is ever
// returned: on error every resource acquired so far is released.
func Open(filename string, opts Options) (*PTable, error) {
	start := time.Now()
	if opts.ID == "" {
		opts.ID = filepath.Base(filename)
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver
	}
	logger := logging.OrDefault(opts.Logger).With(logging.Component("ptable"), logging.File(opts.ID))

	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	// best effort; immutable files should not be touched by anything else
	_ = os.Chmod(filename, 0444)

	reader, err := mmap.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to map index file %s: %w", filename, err)
	}

	t := &PTable{
		id:        opts.ID,
		filename:  filename,
		size:      info.Size(),
		reader:    reader,
		destroyed: make(chan struct{}),
		logger:    logger,
		observer:  opts.Observer,
	}
	t.refs.Store(1)

	verified, err := t.load(opts)
	if err != nil {
		t.Dispose()
		var corrupt *index.CorruptIndexError
		if errors.As(err, &corrupt) {
			logger.Error("index file is corrupt, index rebuild required", logging.Error(err))
		}
		return nil, err
	}

	if opts.UseBloomFilter {
		t.openBloomFilter()
	}
	if opts.LRUCacheSize > 0 && t.bloom != nil {
		// Without a filter every miss would pay for two binary searches,
		// so the cache is only kept alongside one.
		t.cache, _ = lru.New[StreamHash, CacheEntry](opts.LRUCacheSize)
		t.confirmedAbsent, _ = lru.New[StreamHash, bool](opts.LRUCacheSize)
	}

	took := time.Since(start)
	t.observer.TableOpened(t.version, verified, took)
	logger.Debug("loaded index table",
		logging.Int("version", int(t.version)),
		logging.Int64("entries", t.count),
		logging.Int("midpoints", len(t.midpoints)),
		logging.Bool("verified", verified),
		logging.Bool("bloom_filter", t.bloom != nil),
		logging.Latency(took))
	return t, nil
}

func (t *PTable) corrupt(cause error, format string, args ...any) error {
	return index.NewCorruptIndexError(t.filename, cause, format, args...)
}

// load parses header and footer, seeds the min/max sentinels and builds
// midpoints. It reports whether the MD5 was verified.
func (t *PTable) load(opts Options) (bool, error) {
	if t.size < HeaderSize+MD5Size {
		return false, t.corrupt(index.ErrInvalidFile, "file is %d bytes", t.size)
	}
	header := make([]byte, HeaderSize)
	if _, err := t.reader.ReadAt(header, 0); err != nil {
		return false, t.corrupt(index.ErrInvalidFile, "failed to read header: %v", err)
	}
	if header[0] != FileTypePTable {
		return false, t.corrupt(index.ErrInvalidFile, "unexpected file type %d", header[0])
	}
	t.version = header[1]
	if t.version == Version1 {
		return false, t.corrupt(index.ErrUnsupportedVersion,
			"version 1 index files are no longer supported, rebuild the index")
	}
	entrySize, err := entrySizeFor(t.version)
	if err != nil {
		return false, t.corrupt(err, "")
	}
	t.entrySize = entrySize

	entryRegion := t.size - HeaderSize - MD5Size
	var cachedMidpoints int64
	if t.version >= Version4 {
		if entryRegion < FooterSize {
			return false, t.corrupt(index.ErrInvalidFile, "file is too small for a footer")
		}
		footer := make([]byte, FooterSize)
		if _, err := t.reader.ReadAt(footer, t.size-MD5Size-FooterSize); err != nil {
			return false, t.corrupt(index.ErrInvalidFile, "failed to read footer: %v", err)
		}
		if footer[0] != FileTypePTable {
			return false, t.corrupt(index.ErrInvalidFile, "unexpected footer file type %d", footer[0])
		}
		if footer[1] != t.version {
			return false, t.corrupt(index.ErrInvalidFile,
				"header version %d does not match footer version %d", t.version, footer[1])
		}
		cachedMidpoints = int64(binary.LittleEndian.Uint32(footer[2:]))
		entryRegion -= FooterSize + cachedMidpoints*t.entrySize
	}

	if entryRegion < 0 {
		return false, t.corrupt(index.ErrInvalidFile, "entry region size is negative: %d", entryRegion)
	}
	if entryRegion%t.entrySize != 0 {
		return false, t.corrupt(index.ErrInvalidFile,
			"entry region size %d is not a multiple of entry size %d", entryRegion, t.entrySize)
	}
	t.count = entryRegion / t.entrySize

	if cachedMidpoints == 1 || cachedMidpoints > t.count {
		return false, t.corrupt(index.ErrInvalidFile,
			"invalid cached midpoint count %d for %d entries", cachedMidpoints, t.count)
	}

	if t.count == 0 {
		t.minEntry = index.MaxKey
		t.maxEntry = index.MinKey
	} else {
		first, err := t.readEntry(0)
		if err != nil {
			return false, err
		}
		last, err := t.readEntry(t.count - 1)
		if err != nil {
			return false, err
		}
		t.maxEntry = first.Key()
		t.minEntry = last.Key()
	}

	return t.buildMidpoints(opts, cachedMidpoints)
}

func (t *PTable) openBloomFilter() {
	path := BloomFilterPath(t.filename)
	filter, err := bloom.OpenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.logger.Debug("no bloom filter for index table", logging.Path(path))
		} else {
			t.logger.Warn("could not open bloom filter, falling back to full lookups",
				logging.Path(path), logging.Error(err))
		}
		return
	}
	t.bloom = filter
}

// readEntry reads the entry at position i of the entry region.
func (t *PTable) readEntry(i int64) (index.IndexEntry, error) {
	var buf [IndexEntryV4Size]byte
	b := buf[:t.entrySize]
	t.entryReads.Add(1)
	if _, err := t.reader.ReadAt(b, HeaderSize+i*t.entrySize); err != nil {
		return index.IndexEntry{}, t.corrupt(index.ErrInvalidFile, "failed to read entry %d: %v", i, err)
	}
	return decodeEntry(b, t.version), nil
}

func (t *PTable) streamHash(hash uint64) StreamHash {
	return newStreamHash(t.version, hash)
}

func (t *PTable) mightContainStream(hash StreamHash) bool {
	if t.bloom == nil {
		return true
	}
	t.bloomChecks.Add(1)
	if t.bloom.MayContainUint64(uint64(hash)) {
		return true
	}
	t.observer.BloomRejected()
	return false
}

// ID returns the table's identifier, the file name without its extension.
func (t *PTable) ID() string { return t.id }

// Filename returns the path the table was opened from.
func (t *PTable) Filename() string { return t.filename }

// Version returns the on-disk format version.
func (t *PTable) Version() byte { return t.version }

// Count returns the number of entries, excluding cached midpoints.
func (t *PTable) Count() int64 { return t.count }

// HasBloomFilter reports whether a sidecar filter was loaded.
func (t *PTable) HasBloomFilter() bool { return t.bloom != nil }

// HasCache reports whether the per-stream range cache is enabled. It is
// only enabled together with a bloom filter.
func (t *PTable) HasCache() bool { return t.cache != nil }

// Midpoints returns a copy of the in-memory midpoints.
func (t *PTable) Midpoints() []index.Midpoint {
	return append([]index.Midpoint(nil), t.midpoints...)
}

// MinKey and MaxKey are the smallest and largest keys in the table.
func (t *PTable) MinKey() index.IndexEntryKey { return t.minEntry }
func (t *PTable) MaxKey() index.IndexEntryKey { return t.maxEntry }

// Stats returns counters of entry reads and bloom filter checks.
func (t *PTable) Stats() Stats {
	return Stats{EntryReads: t.entryReads.Load(), BloomChecks: t.bloomChecks.Load()}
}

// String implements fmt.Stringer.
func (t *PTable) String() string {
	return fmt.Sprintf("PTable %s (v%d, %d entries)", t.id, t.version, t.count)
}
