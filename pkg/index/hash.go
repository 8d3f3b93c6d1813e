package index

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// StreamHasher maps a stream id onto the 64-bit hash space the index is
// sorted by. Distinct ids may collide; readers resolve collisions against
// the transaction log.
type StreamHasher interface {
	Hash(streamID string) uint64
}

// HasherFunc adapts a function to StreamHasher.
type HasherFunc func(streamID string) uint64

func (f HasherFunc) Hash(streamID string) uint64 { return f(streamID) }

// CompositeHasher concatenates two independent 32-bit hashes: xxhash in the
// upper half and FNV-1a in the lower half. Version-1 tables only stored
// the upper half.
type CompositeHasher struct{}

// Hash implements StreamHasher.
func (CompositeHasher) Hash(streamID string) uint64 {
	high := uint64(uint32(xxhash.Sum64String(streamID)))
	low := fnv.New32a()
	_, _ = low.Write([]byte(streamID))
	return high<<32 | uint64(low.Sum32())
}

// DefaultHasher is the hasher used when none is configured.
var DefaultHasher StreamHasher = CompositeHasher{}
