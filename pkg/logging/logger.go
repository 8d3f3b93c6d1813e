// Package logging is the structured JSON logger used by every index
// component.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With creates a child logger with the given fields pre-set
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// LogEntry is one line of output.
type LogEntry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// JSONLogger writes one JSON object per line. Children created by With
// share the parent's writer, lock and level.
type JSONLogger struct {
	out    *lockedWriter
	level  *levelVar
	fields []Field
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(data []byte) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, _ = lw.w.Write(data)
}

// NewJSONLogger creates a logger writing entries at or above level.
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		out:   &lockedWriter{w: writer},
		level: newLevelVar(level),
	}
}

func (l *JSONLogger) log(level Level, msg string, fields []Field) {
	if level < l.level.get() {
		return
	}

	entry := LogEntry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}
	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			// component is hoisted so log shippers can index on it
			if name, ok := f.Value.(string); ok && f.Key == componentKey {
				entry.Component = name
				continue
			}
			entry.Fields[f.Key] = f.Value
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = fmt.Appendf(nil, `{"level":"ERROR","msg":"failed to marshal log entry: %v"}`, err)
	}
	l.out.writeLine(append(data, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *JSONLogger) With(fields ...Field) Logger {
	return &JSONLogger{
		out:    l.out,
		level:  l.level,
		fields: append(l.fields[:len(l.fields):len(l.fields)], fields...),
	}
}

func (l *JSONLogger) SetLevel(level Level) { l.level.set(level) }
func (l *JSONLogger) GetLevel() Level      { return l.level.get() }

// NopLogger discards everything; tests use it.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (n NopLogger) With(...Field) Logger { return n }
func (NopLogger) SetLevel(Level)         {}
func (NopLogger) GetLevel() Level        { return InfoLevel }

// NewNopLogger creates a logger that discards all output
func NewNopLogger() Logger {
	return NopLogger{}
}
