package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to decode line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func expectEntries(t *testing.T, buf *bytes.Buffer, n int) []LogEntry {
	t.Helper()
	entries := decodeLines(t, buf)
	if len(entries) != n {
		t.Fatalf("Expected %d log entries, got %d: %s", n, len(entries), buf.String())
	}
	return entries
}

// TestParseLevel tests level parsing
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"WARNING", WarnLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"Error", ErrorLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
	for _, l := range []Level{42, -1} {
		if l.String() != "UNKNOWN" {
			t.Errorf("Level(%d).String() = %q, want UNKNOWN", l, l.String())
		}
	}
}

// TestIndexFields tests the index-specific field helpers
func TestIndexFields(t *testing.T) {
	tests := []struct {
		got, want Field
	}{
		{Stream("orders-1"), Field{Key: "stream", Value: "orders-1"}},
		{StreamHash(0xff), Field{Key: "stream_hash", Value: "0x00000000000000ff"}},
		{Version(7), Field{Key: "version", Value: int64(7)}},
		{Position(1024), Field{Key: "position", Value: int64(1024)}},
		{File("index/a.ptable"), Field{Key: "file", Value: "index/a.ptable"}},
		{Error(nil), Field{Key: "error", Value: nil}},
		{Error(errors.New("boom")), Field{Key: "error", Value: "boom"}},
		{Latency(5 * time.Second), Field{Key: "latency", Value: "5s"}},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected %+v, got %+v", tt.want, tt.got)
		}
	}
}

func TestJSONLogger_ComponentIsHoisted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel).With(Component("ptable"))

	logger.Info("opened", File("0001.ptable"), Count(3))

	e := expectEntries(t, &buf, 1)[0]
	if e.Component != "ptable" || e.Level != "INFO" || e.Message != "opened" {
		t.Errorf("Unexpected entry header: %+v", e)
	}
	if e.Fields["file"] != "0001.ptable" {
		t.Errorf("Expected file field, got %v", e.Fields["file"])
	}
	if e.Fields["count"] != float64(3) {
		t.Errorf("Expected count 3, got %v", e.Fields["count"])
	}
	if _, ok := e.Fields["component"]; ok {
		t.Error("component should not be repeated in fields")
	}
	if e.Time == "" {
		t.Error("Expected a timestamp")
	}
}

// TestJSONLogger_LevelFiltering tests that entries below the level are dropped
func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	entries := expectEntries(t, &buf, 2)
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("Expected WARN then ERROR, got %s then %s", entries[0].Level, entries[1].Level)
	}
}

func TestJSONLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)
	child := parent.With(Stream("a"))

	parent.SetLevel(ErrorLevel)
	child.Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("Expected child to follow parent level, got %s", buf.String())
	}
	if child.GetLevel() != ErrorLevel {
		t.Errorf("Expected ErrorLevel, got %v", child.GetLevel())
	}

	child.Error("kept")
	if e := expectEntries(t, &buf, 1)[0]; e.Fields["stream"] != "a" {
		t.Errorf("Expected stream field 'a', got %v", e.Fields["stream"])
	}
}

func TestJSONLogger_ConcurrentChildrenDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	root := NewJSONLogger(&buf, InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := root.With(Int("worker", i))
			for j := 0; j < 50; j++ {
				child.Info("tick", Int("j", j))
			}
		}(i)
	}
	wg.Wait()

	expectEntries(t, &buf, 400)
}

// TestTimedOperation tests the three ways of ending a timer
func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	op := StartTimer(logger, "verify", File("x.ptable"))
	op.End()
	op.EndInfo(Count(3))
	op.EndError(errors.New("hash mismatch"))

	entries := expectEntries(t, &buf, 3)
	if entries[0].Level != "DEBUG" {
		t.Errorf("End: expected DEBUG, got %s", entries[0].Level)
	}
	if _, ok := entries[0].Fields["latency"]; !ok {
		t.Error("End: expected latency field")
	}
	if _, ok := entries[0].Fields["count"]; ok {
		t.Error("End: extra fields of a later call leaked into the first entry")
	}
	if entries[1].Level != "INFO" || entries[1].Fields["count"] != float64(3) {
		t.Errorf("EndInfo: unexpected entry %+v", entries[1])
	}
	if entries[2].Level != "ERROR" || entries[2].Fields["error"] != "hash mismatch" || entries[2].Fields["file"] != "x.ptable" {
		t.Errorf("EndError: unexpected entry %+v", entries[2])
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLogger(NewJSONLogger(&buf, DebugLevel))
	defer SetDefaultLogger(nil)

	OrDefault(nil).With(Component("committer")).Info("child")

	if e := expectEntries(t, &buf, 1)[0]; e.Component != "committer" {
		t.Errorf("Expected component 'committer', got %q", e.Component)
	}

	explicit := NewNopLogger()
	if OrDefault(explicit) != explicit {
		t.Error("OrDefault should return a non-nil logger unchanged")
	}
}

func TestDefaultLogger_LazilyCreated(t *testing.T) {
	SetDefaultLogger(nil)
	defer SetDefaultLogger(nil)
	t.Setenv("LOG_LEVEL", "error")

	l := DefaultLogger()
	if l == nil {
		t.Fatal("DefaultLogger returned nil")
	}
	if l.GetLevel() != ErrorLevel {
		t.Errorf("Expected level from LOG_LEVEL, got %v", l.GetLevel())
	}
	if DefaultLogger() != l {
		t.Error("DefaultLogger should return the same instance")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("ignored")
	if logger.With(Stream("x")) != logger {
		t.Error("NopLogger.With should return itself")
	}
	if logger.GetLevel() != InfoLevel {
		t.Errorf("Expected InfoLevel, got %v", logger.GetLevel())
	}
}
