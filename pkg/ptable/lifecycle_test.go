package ptable

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

func TestMarkForDestruction_DeletesFiles(t *testing.T) {
	path := createTable(t, streamEntries(3, 1, 2), testCreateOptions())
	table, err := Open(path, testOpenOptions())
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}

	table.MarkForDestruction()
	if err := table.WaitForDisposal(time.Second); err != nil {
		t.Fatalf("WaitForDisposal failed: %v", err)
	}

	expectNoFile(t, path)
	expectNoFile(t, BloomFilterPath(path))
}

func TestDispose_KeepsFiles(t *testing.T) {
	path := createTable(t, streamEntries(3, 1), testCreateOptions())
	table, err := Open(path, testOpenOptions())
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}

	table.Dispose()
	table.Dispose()
	if err := table.WaitForDisposal(time.Second); err != nil {
		t.Fatalf("WaitForDisposal failed: %v", err)
	}

	expectFile(t, path)
	if _, _, err := table.TryGetLatestEntry(1); !errors.Is(err, index.ErrFileBeingDeleted) {
		t.Errorf("Expected ErrFileBeingDeleted, got %v", err)
	}
}

// TestMarkForDestruction_WaitsForReaders tests that open iterators delay deletion
func TestMarkForDestruction_WaitsForReaders(t *testing.T) {
	path := createTable(t, streamEntries(3, 1, 2), testCreateOptions())
	table, err := Open(path, testOpenOptions())
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}

	it, err := table.Iterator()
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	if _, ok, err := it.Next(); err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}

	table.MarkForDestruction()
	if err := table.WaitForDisposal(20 * time.Millisecond); !errors.Is(err, index.ErrDisposalTimeout) {
		t.Errorf("Expected ErrDisposalTimeout, got %v", err)
	}
	// an in-flight reader keeps the file alive
	expectFile(t, path)

	if _, _, err := table.TryGetLatestEntry(1); !errors.Is(err, index.ErrFileBeingDeleted) {
		t.Errorf("TryGetLatestEntry: expected ErrFileBeingDeleted, got %v", err)
	}
	if _, err := table.Iterator(); !errors.Is(err, index.ErrFileBeingDeleted) {
		t.Errorf("Iterator: expected ErrFileBeingDeleted, got %v", err)
	}

	// the reader can still finish its scan
	rest := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		rest++
	}
	if rest != 5 {
		t.Errorf("Expected 5 remaining entries, got %d", rest)
	}

	it.Close()
	it.Close()
	if err := table.WaitForDisposal(time.Second); err != nil {
		t.Fatalf("WaitForDisposal failed: %v", err)
	}
	expectNoFile(t, path)
}

func TestConcurrentReadersAndDestruction(t *testing.T) {
	path := createTable(t, streamEntries(20, 1, 2, 3, 4), testCreateOptions())
	table, err := Open(path, testOpenOptions())
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(stream uint64) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				e, ok, err := table.TryGetLatestEntry(stream)
				if err != nil {
					if !errors.Is(err, index.ErrFileBeingDeleted) {
						t.Errorf("Stream %d: unexpected error %v", stream, err)
					}
					return
				}
				if !ok {
					t.Errorf("Stream %d: not found", stream)
					return
				}
				if e.Version != 19 {
					t.Errorf("Stream %d: expected version 19, got %d", stream, e.Version)
				}
			}
		}(uint64(r%4 + 1))
	}

	close(start)
	time.Sleep(time.Millisecond)
	table.MarkForDestruction()
	wg.Wait()

	if err := table.WaitForDisposal(time.Second); err != nil {
		t.Fatalf("WaitForDisposal failed: %v", err)
	}
	expectNoFile(t, path)
	select {
	case <-table.Disposed():
	default:
		t.Fatal("disposed channel should be closed")
	}
}

func TestOpen_FailureLeavesNoHandle(t *testing.T) {
	path := createTable(t, streamEntries(3, 1), testCreateOptions())
	rewrite(t, path, false, func(data []byte) { data[1] = Version1 })

	if _, err := Open(path, testOpenOptions()); err == nil {
		t.Fatal("Expected Open to fail")
	}

	// the file is not held open, so it can be replaced and removed
	if err := os.Remove(path); err != nil {
		t.Errorf("Failed to remove table: %v", err)
	}
}
