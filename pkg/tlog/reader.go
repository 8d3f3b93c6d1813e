package tlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadResult is a record together with the position following it.
type ReadResult struct {
	Record       Record
	NextPosition int64
}

// Reader reads the log sequentially or at arbitrary positions. A Reader
// is not safe for concurrent use; open one per goroutine.
type Reader struct {
	file *os.File
	pos  int64
}

// OpenReader opens the log at path for reading from position 0.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	return &Reader{file: file}, nil
}

// Reposition moves the sequential cursor to pos, which must be the start
// of a record.
func (r *Reader) Reposition(pos int64) {
	r.pos = pos
}

// Position returns the sequential cursor.
func (r *Reader) Position() int64 {
	return r.pos
}

// TryReadNext reads the record at the cursor and advances past it. It
// returns false at the end of the written log.
func (r *Reader) TryReadNext(ctx context.Context) (ReadResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, false, err
	}
	rec, next, err := readFrame(r.file, r.pos)
	if errors.Is(err, io.EOF) {
		return ReadResult{}, false, nil
	}
	if err != nil {
		return ReadResult{}, false, err
	}
	r.pos = next
	return ReadResult{Record: rec, NextPosition: next}, true, nil
}

// TryReadAt reads the record at pos without moving the cursor.
func (r *Reader) TryReadAt(pos int64) (Record, bool, error) {
	rec, _, err := readFrame(r.file, pos)
	if errors.Is(err, io.EOF) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// End returns the position just past the last complete record of the log
// at path.
func End(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer file.Close()
	return recoverEnd(file)
}
