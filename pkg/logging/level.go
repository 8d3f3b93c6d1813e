package logging

import (
	"strings"
	"sync/atomic"
)

// Level is the severity of a log entry.
type Level int32

const (
	// DebugLevel is used for rebuild progress and per-table diagnostics
	DebugLevel Level = iota
	InfoLevel
	// WarnLevel marks degraded but non-fatal conditions (missing bloom filter, no midpoints)
	WarnLevel
	// ErrorLevel marks index corruption and commit invariant violations
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel is case-insensitive and accepts "warning" for WarnLevel.
// Unknown names map to InfoLevel.
func ParseLevel(s string) Level {
	s = strings.ToUpper(s)
	if s == "WARNING" {
		return WarnLevel
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i)
		}
	}
	return InfoLevel
}

// levelVar is shared by a logger and all of its children.
type levelVar struct{ v atomic.Int32 }

func newLevelVar(l Level) *levelVar {
	lv := &levelVar{}
	lv.v.Store(int32(l))
	return lv
}

func (lv *levelVar) get() Level  { return Level(lv.v.Load()) }
func (lv *levelVar) set(l Level) { lv.v.Store(int32(l)) }
