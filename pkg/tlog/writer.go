package tlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// WriterOptions configures OpenWriter.
type WriterOptions struct {
	// SyncOnAppend fsyncs after every record.
	SyncOnAppend bool
	Logger       logging.Logger
}

// Writer appends records to the log. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	position int64
	closed   bool
	opts     WriterOptions
	logger   logging.Logger

	// Statistics
	records           uint64
	bytesUncompressed uint64
	bytesCompressed   uint64
}

// WriterStats reports what a writer appended since it was opened.
type WriterStats struct {
	Records           uint64
	BytesUncompressed uint64
	BytesCompressed   uint64
}

// OpenWriter opens or creates the log at path. A torn frame at the tail,
// left by a crash mid-append, is truncated away.
func OpenWriter(path string, opts WriterOptions) (*Writer, error) {
	logger := logging.OrDefault(opts.Logger).With(logging.Component("tlog"), logging.Path(path))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}

	end, err := recoverEnd(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() > end {
		logger.Warn("truncating torn record at end of transaction log",
			logging.Position(end), logging.Int64("size", info.Size()))
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate transaction log: %w", err)
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	return &Writer{
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		position: end,
		opts:     opts,
		logger:   logger,
	}, nil
}

func recoverEnd(r io.ReaderAt) (int64, error) {
	var pos int64
	for {
		_, next, err := readFrame(r, pos)
		if errors.Is(err, io.EOF) {
			return pos, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to recover transaction log: %w", err)
		}
		pos = next
	}
}

// Append writes rec at the end of the log, setting its position (and, for
// a prepare with SelfTransaction, its transaction position). It returns
// the position of the record.
func (w *Writer) Append(rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	pos := w.position
	switch r := rec.(type) {
	case *PrepareRecord:
		r.LogPosition = pos
		if r.TransactionPosition == SelfTransaction {
			r.TransactionPosition = pos
		}
	case *CommitRecord:
		r.LogPosition = pos
	case *SystemRecord:
		r.LogPosition = pos
	}

	frame, rawSize, err := encodeFrame(rec)
	if err != nil {
		return 0, err
	}
	if _, err := w.writer.Write(frame); err != nil {
		return 0, fmt.Errorf("failed to write log record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush transaction log: %w", err)
	}
	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync transaction log: %w", err)
		}
	}

	w.position += int64(len(frame))
	w.records++
	w.bytesUncompressed += uint64(rawSize)
	w.bytesCompressed += uint64(len(frame) - frameHeaderSize)
	return pos, nil
}

// Position returns the position the next record will be written at.
func (w *Writer) Position() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position
}

// Stats returns append statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Records:           w.records,
		BytesUncompressed: w.bytesUncompressed,
		BytesCompressed:   w.bytesCompressed,
	}
}

// Sync flushes the log to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close syncs and closes the log.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
