// Package index holds the value types shared by every layer of the
// secondary index: keys, entries, midpoints, stream hashing and the
// corruption error taxonomy.
package index

import (
	"fmt"
	"math"
)

// IndexEntryKey orders entries first by stream hash, then by version.
type IndexEntryKey struct {
	Stream  uint64
	Version int64
}

// Sentinel keys used as open bounds during binary search.
var (
	MaxKey = IndexEntryKey{Stream: math.MaxUint64, Version: math.MaxInt64}
	MinKey = IndexEntryKey{Stream: 0, Version: math.MinInt64}
)

// NewKey builds a key.
func NewKey(stream uint64, version int64) IndexEntryKey {
	return IndexEntryKey{Stream: stream, Version: version}
}

// Compare returns -1, 0 or +1.
func (k IndexEntryKey) Compare(other IndexEntryKey) int {
	switch {
	case k.Stream < other.Stream:
		return -1
	case k.Stream > other.Stream:
		return 1
	case k.Version < other.Version:
		return -1
	case k.Version > other.Version:
		return 1
	default:
		return 0
	}
}

// GreaterThan reports whether k sorts after other.
func (k IndexEntryKey) GreaterThan(other IndexEntryKey) bool { return k.Compare(other) > 0 }

// SmallerThan reports whether k sorts before other.
func (k IndexEntryKey) SmallerThan(other IndexEntryKey) bool { return k.Compare(other) < 0 }

// GreaterEqualsThan reports whether k sorts after or equal to o.
func (k IndexEntryKey) GreaterEqualsThan(o IndexEntryKey) bool { return k.Compare(o) >= 0 }

// SmallerEqualsThan reports whether k sorts before or equal to o.
func (k IndexEntryKey) SmallerEqualsThan(o IndexEntryKey) bool { return k.Compare(o) <= 0 }

// String formats the key as (stream, version) with the stream in hex.
func (k IndexEntryKey) String() string {
	return fmt.Sprintf("(%#x, %d)", k.Stream, k.Version)
}

// IndexEntry maps a (stream hash, version) key to a transaction log position.
type IndexEntry struct {
	Stream   uint64
	Version  int64
	Position int64
}

// Key returns the sort key of the entry.
func (e IndexEntry) Key() IndexEntryKey {
	return IndexEntryKey{Stream: e.Stream, Version: e.Version}
}

// Compare orders entries by key, breaking ties on position so that
// sorting is deterministic when a table holds duplicate keys.
func (e IndexEntry) Compare(other IndexEntry) int {
	if c := e.Key().Compare(other.Key()); c != 0 {
		return c
	}
	switch {
	case e.Position < other.Position:
		return -1
	case e.Position > other.Position:
		return 1
	}
	return 0
}

// String formats the entry for logs and error messages.
func (e IndexEntry) String() string {
	return fmt.Sprintf("stream: %#x, version: %d, position: %d", e.Stream, e.Version, e.Position)
}

// Midpoint is a sparse sample of a table: the key stored at ItemIndex.
type Midpoint struct {
	Key       IndexEntryKey
	ItemIndex int64
}

// String formats the midpoint as "key @ item".
func (m Midpoint) String() string {
	return fmt.Sprintf("%s @ %d", m.Key, m.ItemIndex)
}

// IndexKey is an entry before hashing: what the committer hands to the
// table index for each indexed event.
type IndexKey struct {
	StreamID string
	Version  int64
	Position int64
}
