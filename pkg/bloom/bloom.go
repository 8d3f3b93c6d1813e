// Package bloom implements the probabilistic stream filter kept next to each
// PTable and behind the stream-existence filter.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Filter is a Bloom filter over byte keys.
// - False positives possible (may say key exists when it doesn't)
// - False negatives impossible
//
// A Filter is not safe for concurrent Add; concurrent MayContain calls on a
// filter that is no longer being written are safe.
type Filter struct {
	words     []uint64
	size      uint64 // bits
	hashCount uint32
}

// ErrIncompatibleFilters is returned by Merge for filters of different shape.
var ErrIncompatibleFilters = errors.New("incompatible bloom filters")

const (
	maxSizeBits  = 1 << 33 // 1 GiB of bits
	maxHashCount = 32
)

// New creates a filter sized for expectedItems at falsePositiveRate.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m/n) * ln(2)
	size := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if size > maxSizeBits {
		size = maxSizeBits
	}
	if size < 64 {
		size = 64
	}
	hashCount := uint32(math.Ceil(float64(size) / float64(expectedItems) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > maxHashCount {
		hashCount = maxHashCount
	}
	return newWithShape(size, hashCount)
}

func newWithShape(size uint64, hashCount uint32) *Filter {
	return &Filter{
		words:     make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add adds a key to the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := probes(key)
	for i := uint32(0); i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.size
		f.words[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain returns false only if key was never added.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := probes(key)
	for i := uint32(0); i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.size
		if f.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// AddUint64 adds the little-endian encoding of v.
func (f *Filter) AddUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	f.Add(buf[:])
}

// MayContainUint64 checks the little-endian encoding of v.
func (f *Filter) MayContainUint64(v uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return f.MayContain(buf[:])
}

// probes derives the two double-hashing seeds from one xxhash digest.
// h2 is forced odd so successive probes do not cluster.
func probes(key []byte) (uint64, uint64) {
	h := xxhash.Sum64(key)
	h2 := bits.RotateLeft64(h, 32) ^ 0x9e3779b97f4a7c15
	return h, h2 | 1
}

// Size returns the size of the filter in bits.
func (f *Filter) Size() uint64 { return f.size }

// HashCount returns the number of probes per key.
func (f *Filter) HashCount() uint32 { return f.hashCount }

// EstimateFalsePositiveRate estimates the false positive rate after
// itemCount insertions.
func (f *Filter) EstimateFalsePositiveRate(itemCount int) float64 {
	// p = (1 - e^(-k*n/m))^k
	k := float64(f.hashCount)
	n := float64(itemCount)
	m := float64(f.size)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// Reset clears all bits.
func (f *Filter) Reset() {
	clear(f.words)
}

// Merge ORs other into f. Both filters must share size and hash count.
func (f *Filter) Merge(other *Filter) error {
	if f.size != other.size || f.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}
	for i := range f.words {
		f.words[i] |= other.words[i]
	}
	return nil
}
