// Package backend caches per-stream read state for the index: the last
// event number of each stream and its parsed metadata. Writers guard their
// updates with the version they read, so a slow writer can never replace a
// value cached by a faster one.
package backend

import (
	"sync/atomic"
)

// DefaultCapacity bounds each cache when no capacity is configured.
const DefaultCapacity = 100_000

// LastEventNumber is the cached tail of a stream. SecondaryIndexID is the
// position of the stream's last event in the secondary index, or -1.
type LastEventNumber struct {
	EventNumber      int64
	SecondaryIndexID int64
}

// Tail builds a LastEventNumber without a secondary index position.
func Tail(eventNumber int64) LastEventNumber {
	return LastEventNumber{EventNumber: eventNumber, SecondaryIndexID: -1}
}

// Backend is the stream metadata cache shared by readers and the committer.
// It is safe for concurrent use.
type Backend struct {
	versions         atomic.Uint64
	lastEventNumbers *versionedCache[string, LastEventNumber]
	metadata         *versionedCache[string, StreamMetadata]
	settings         atomic.Pointer[SystemSettings]
}

// New creates a backend whose caches each hold up to capacity streams.
func New(capacity int) *Backend {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Backend{}
	b.lastEventNumbers = newVersionedCache[string, LastEventNumber](capacity, &b.versions)
	b.metadata = newVersionedCache[string, StreamMetadata](capacity, &b.versions)
	return b
}

// TryGetStreamLastEventNumber returns the cached last event number and the
// version token to pass to UpdateStreamLastEventNumber.
func (b *Backend) TryGetStreamLastEventNumber(streamID string) Versioned[LastEventNumber] {
	return b.lastEventNumbers.get(streamID)
}

// UpdateStreamLastEventNumber caches tail if nothing was cached since
// token was read, and returns the tail cached afterwards.
func (b *Backend) UpdateStreamLastEventNumber(token uint64, streamID string, tail LastEventNumber) LastEventNumber {
	return b.lastEventNumbers.update(streamID, token, tail).Value
}

// SetStreamLastEventNumber caches tail unconditionally. The commit path
// uses it because it is the authority on stream tails.
func (b *Backend) SetStreamLastEventNumber(streamID string, tail LastEventNumber) {
	b.lastEventNumbers.set(streamID, tail)
}

// TryGetStreamMetadata returns the cached metadata and its version token.
func (b *Backend) TryGetStreamMetadata(streamID string) Versioned[StreamMetadata] {
	return b.metadata.get(streamID)
}

// UpdateStreamMetadata caches md if nothing was cached since token was read.
func (b *Backend) UpdateStreamMetadata(token uint64, streamID string, md StreamMetadata) StreamMetadata {
	return b.metadata.update(streamID, token, md).Value
}

// SetStreamMetadata caches md unconditionally.
func (b *Backend) SetStreamMetadata(streamID string, md StreamMetadata) {
	b.metadata.set(streamID, md)
}

// InvalidateStreamMetadata drops cached metadata so the next reader
// reloads it from the metastream.
func (b *Backend) InvalidateStreamMetadata(streamID string) {
	b.metadata.remove(streamID)
}

// SystemSettings returns the current settings, or the defaults.
func (b *Backend) SystemSettings() SystemSettings {
	if s := b.settings.Load(); s != nil {
		return *s
	}
	return DefaultSystemSettings
}

// SetSystemSettings replaces the system settings.
func (b *Backend) SetSystemSettings(s SystemSettings) {
	b.settings.Store(&s)
}

// Len reports how many streams have a cached last event number and how
// many have cached metadata.
func (b *Backend) Len() (lastEventNumbers, metadata int) {
	return b.lastEventNumbers.len(), b.metadata.len()
}
