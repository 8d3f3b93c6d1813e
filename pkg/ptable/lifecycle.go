package ptable

import (
	"os"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// The table starts with one reference owned by whoever opened it. Every
// read path takes an extra reference for the duration of its file access.
// Dispose and MarkForDestruction drop the owner reference; whichever
// release brings the count to zero unmaps the file, and deletes it when
// destruction was requested.

func (t *PTable) acquire() error {
	for {
		if t.disposing.Load() {
			return index.ErrFileBeingDeleted
		}
		n := t.refs.Load()
		if n <= 0 {
			return index.ErrFileBeingDeleted
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (t *PTable) release() {
	if t.refs.Add(-1) == 0 {
		t.cleanup()
	}
}

// MarkForDestruction deletes the table file and its bloom filter once the
// last in-flight reader has released it.
func (t *PTable) MarkForDestruction() {
	t.deleteFile.Store(true)
	t.dispose()
}

// Dispose closes the table without deleting the file.
func (t *PTable) Dispose() {
	t.dispose()
}

// Close implements io.Closer.
func (t *PTable) Close() error {
	t.Dispose()
	return nil
}

func (t *PTable) dispose() {
	if t.disposing.CompareAndSwap(false, true) {
		t.release()
	}
}

func (t *PTable) cleanup() {
	if !t.cleaned.CompareAndSwap(false, true) {
		return
	}
	if err := t.reader.Close(); err != nil {
		t.logger.Warn("failed to unmap index table", logging.Error(err))
	}
	if t.deleteFile.Load() {
		t.deleteFiles()
	}
	close(t.destroyed)
}

func (t *PTable) deleteFiles() {
	_ = os.Chmod(t.filename, 0644)
	if err := os.Remove(t.filename); err != nil && !os.IsNotExist(err) {
		t.logger.Error("failed to delete index table", logging.Error(err))
	}
	bloomPath := BloomFilterPath(t.filename)
	if err := os.Remove(bloomPath); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("failed to delete bloom filter", logging.Path(bloomPath), logging.Error(err))
	}
	t.logger.Debug("deleted index table")
}

// WaitForDisposal blocks until the table has been fully released or the
// timeout expires.
func (t *PTable) WaitForDisposal(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.destroyed:
		return nil
	case <-timer.C:
		return index.ErrDisposalTimeout
	}
}

// Disposed returns a channel closed once the table is released.
func (t *PTable) Disposed() <-chan struct{} {
	return t.destroyed
}
