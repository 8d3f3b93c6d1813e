package backend

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Versioned is a cached value together with the version it was stored at.
// A zero Version means nothing is cached.
type Versioned[V any] struct {
	Version uint64
	Value   V
}

// Cached reports whether a value was present.
func (v Versioned[V]) Cached() bool { return v.Version != 0 }

// versionedCache is a bounded map whose writes are either unconditional
// (set) or guarded by the version a reader observed (update). Versions come
// from a counter shared by every cache of one Backend, so a token is never
// reissued, even after the key is evicted and re-added.
type versionedCache[K comparable, V any] struct {
	entries  *xsync.MapOf[K, Versioned[V]]
	recency  *lru.Cache[K, struct{}]
	versions *atomic.Uint64
}

func newVersionedCache[K comparable, V any](capacity int, versions *atomic.Uint64) *versionedCache[K, V] {
	c := &versionedCache[K, V]{
		entries:  xsync.NewMapOf[K, Versioned[V]](),
		versions: versions,
	}
	c.recency, _ = lru.NewWithEvict[K, struct{}](max(capacity, 1), func(key K, _ struct{}) {
		c.entries.Delete(key)
	})
	return c
}

func (c *versionedCache[K, V]) get(key K) Versioned[V] {
	v, ok := c.entries.Load(key)
	if !ok {
		return Versioned[V]{}
	}
	c.recency.Get(key)
	return v
}

// update stores value only if the cached version still equals token,
// otherwise the newer value already cached wins. It returns what is cached
// afterwards.
func (c *versionedCache[K, V]) update(key K, token uint64, value V) Versioned[V] {
	actual, _ := c.entries.Compute(key, func(old Versioned[V], loaded bool) (Versioned[V], bool) {
		if loaded && old.Version != token {
			return old, false
		}
		return Versioned[V]{Version: c.versions.Add(1), Value: value}, false
	})
	c.recency.Add(key, struct{}{})
	return actual
}

func (c *versionedCache[K, V]) set(key K, value V) Versioned[V] {
	stored := Versioned[V]{Version: c.versions.Add(1), Value: value}
	c.entries.Store(key, stored)
	c.recency.Add(key, struct{}{})
	return stored
}

func (c *versionedCache[K, V]) remove(key K) {
	c.entries.Delete(key)
	c.recency.Remove(key)
}

func (c *versionedCache[K, V]) len() int {
	return c.entries.Size()
}
