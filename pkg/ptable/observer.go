package ptable

import "time"

// Observer receives table-level events for metrics.
type Observer interface {
	TableOpened(version byte, verified bool, took time.Duration)
	CacheLookup(hit bool)
	BloomRejected()
}

type nopObserver struct{}

func (nopObserver) TableOpened(byte, bool, time.Duration) {}
func (nopObserver) CacheLookup(bool)                      {}
func (nopObserver) BloomRejected()                        {}

// NopObserver discards all events.
var NopObserver Observer = nopObserver{}
