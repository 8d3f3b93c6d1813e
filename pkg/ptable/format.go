package ptable

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// PTable format:
//   [Header: file_type(1) | version(1) | reserved(126)]
//   [Entries: count * entry_size, descending by (stream, version)]
//   [Cached midpoints (v4+): n * entry_size, position field holds item index]
//   [Footer (v4+): file_type(1) | version(1) | midpoint_count(4) | reserved(122)]
//   [MD5 of all preceding bytes (16)]

const (
	// FileTypePTable tags byte 0 of the header and footer.
	FileTypePTable byte = 1

	HeaderSize = 128
	FooterSize = 128
	MD5Size    = 16

	Version1 byte = 1
	Version2 byte = 2
	Version3 byte = 3
	Version4 byte = 4

	// LatestVersion is the format written by default.
	LatestVersion = Version4

	IndexEntryV1Size = 16
	IndexEntryV2Size = 20
	IndexEntryV3Size = 24
	IndexEntryV4Size = 24

	// BloomFilterExtension is appended to a table's filename for its sidecar.
	BloomFilterExtension = ".bloomfilter"

	// DefaultDepth is the default log2 of the midpoint count.
	DefaultDepth = 16
	maxDepth     = 30
)

// BloomFilterPath returns the sidecar filter path for a table file.
func BloomFilterPath(filename string) string {
	return filename + BloomFilterExtension
}

func entrySizeFor(version byte) (int64, error) {
	switch version {
	case Version1:
		return IndexEntryV1Size, nil
	case Version2:
		return IndexEntryV2Size, nil
	case Version3:
		return IndexEntryV3Size, nil
	case Version4:
		return IndexEntryV4Size, nil
	default:
		return 0, fmt.Errorf("%w: %d", index.ErrUnsupportedVersion, version)
	}
}

func encodeHeader(version byte) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = FileTypePTable
	buf[1] = version
	return buf
}

func encodeFooter(version byte, midpoints uint32) []byte {
	buf := make([]byte, FooterSize)
	buf[0] = FileTypePTable
	buf[1] = version
	binary.LittleEndian.PutUint32(buf[2:], midpoints)
	return buf
}

// encodeEntry writes e into buf using the layout of version. buf must be at
// least the entry size for that version.
func encodeEntry(buf []byte, version byte, e index.IndexEntry) error {
	switch version {
	case Version2:
		if e.Version < math.MinInt32 || e.Version > math.MaxInt32 {
			return fmt.Errorf("version %d does not fit a v2 entry", e.Version)
		}
		binary.LittleEndian.PutUint32(buf[0:], uint32(int32(e.Version)))
		binary.LittleEndian.PutUint64(buf[4:], e.Stream)
		binary.LittleEndian.PutUint64(buf[12:], uint64(e.Position))
	case Version3, Version4:
		binary.LittleEndian.PutUint64(buf[0:], uint64(e.Version))
		binary.LittleEndian.PutUint64(buf[8:], e.Stream)
		binary.LittleEndian.PutUint64(buf[16:], uint64(e.Position))
	default:
		return fmt.Errorf("%w: cannot write version %d", index.ErrUnsupportedVersion, version)
	}
	return nil
}

func decodeEntry(buf []byte, version byte) index.IndexEntry {
	switch version {
	case Version1:
		return index.IndexEntry{
			Version:  int64(int32(binary.LittleEndian.Uint32(buf[0:]))),
			Stream:   uint64(binary.LittleEndian.Uint32(buf[4:])),
			Position: int64(binary.LittleEndian.Uint64(buf[8:])),
		}
	case Version2:
		return index.IndexEntry{
			Version:  int64(int32(binary.LittleEndian.Uint32(buf[0:]))),
			Stream:   binary.LittleEndian.Uint64(buf[4:]),
			Position: int64(binary.LittleEndian.Uint64(buf[12:])),
		}
	default:
		return index.IndexEntry{
			Version:  int64(binary.LittleEndian.Uint64(buf[0:])),
			Stream:   binary.LittleEndian.Uint64(buf[8:]),
			Position: int64(binary.LittleEndian.Uint64(buf[16:])),
		}
	}
}

// midpointCount is min(2^depth, count) clamped to at least 2 for
// non-empty tables.
func midpointCount(count int64, depth int) int64 {
	if count <= 0 {
		return 0
	}
	if depth < 0 {
		depth = 0
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	n := min(int64(1)<<depth, count)
	return max(n, 2)
}

// midpointIndices spreads n samples evenly over [0, count-1] with the
// first and last sample pinned to the ends.
func midpointIndices(count int64, n int64) []int64 {
	if n == 0 {
		return nil
	}
	out := make([]int64, n)
	for x := int64(0); x < n; x++ {
		hi, lo := bits.Mul64(uint64(x), uint64(count-1))
		q, _ := bits.Div64(hi, lo, uint64(n-1))
		out[x] = int64(q)
	}
	return out
}

// StreamHash is a stream hash projected into a table's hash space.
// Version-1 tables stored 32-bit hashes, so only the upper half is kept.
type StreamHash uint64

func newStreamHash(version byte, hash uint64) StreamHash {
	if version == Version1 {
		return StreamHash(hash >> 32)
	}
	return StreamHash(hash)
}
