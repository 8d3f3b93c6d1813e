package logging

import (
	"fmt"
	"time"
)

const componentKey = "component"

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field        { return Field{Key: key, Value: value} }
func Int(key string, value int) Field       { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field   { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field     { return Field{Key: key, Value: value} }

// Duration is rendered with time.Duration's String form.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error renders err as its message; a nil error is kept as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component names the subsystem emitting the entry; it is hoisted to the
// top level of the JSON output.
func Component(name string) Field {
	return String(componentKey, name)
}

// Stream is the stream id an entry refers to.
func Stream(id string) Field {
	return String("stream", id)
}

// StreamHash is rendered in hex, matching how index dumps print hashes.
func StreamHash(hash uint64) Field {
	return String("stream_hash", fmt.Sprintf("%#016x", hash))
}

func Version(v int64) Field { return Int64("version", v) }

// Position is a transaction log position.
func Position(p int64) Field { return Int64("position", p) }

func File(name string) Field        { return String("file", name) }
func Path(p string) Field           { return String("path", p) }
func Count(n int) Field             { return Int("count", n) }
func Latency(d time.Duration) Field { return Duration("latency", d) }
