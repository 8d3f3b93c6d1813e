package tableindex

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
)

const buildToEnd = int64(1 << 40)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MaxMemTableEntries = 1000
	opts.Table.LRUCacheSize = 100
	opts.Logger = logging.NewNopLogger()
	return opts
}

func newIndex(t *testing.T, opts Options) *TableIndex {
	t.Helper()
	ti, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create table index: %v", err)
	}
	return ti
}

func openIndex(t *testing.T, opts Options, buildTo int64) *TableIndex {
	t.Helper()
	ti := newIndex(t, opts)
	if err := ti.Initialize(buildTo); err != nil {
		t.Fatalf("Failed to initialize table index: %v", err)
	}
	t.Cleanup(func() { _ = ti.Close(context.Background()) })
	return ti
}

func closeIndex(t *testing.T, ti *TableIndex) {
	t.Helper()
	if err := ti.Close(context.Background()); err != nil {
		t.Fatalf("Failed to close table index: %v", err)
	}
}

func waitBackground(t *testing.T, ti *TableIndex) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ti.WaitForBackgroundTasks(ctx); err != nil {
		t.Fatalf("Background tasks failed: %v", err)
	}
}

// addStream indexes versions [from, to) of stream, one commit per event at
// position base+version.
func addStream(t *testing.T, ti *TableIndex, stream string, base, from, to int64) {
	t.Helper()
	for v := from; v < to; v++ {
		pos := base + v
		if err := ti.AddEntries(pos, []index.IndexKey{{StreamID: stream, Version: v, Position: pos}}); err != nil {
			t.Fatalf("AddEntries(%s, %d) failed: %v", stream, v, err)
		}
	}
}

func versionsOf(entries []index.IndexEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Version
	}
	return out
}

func tableFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tableExtension) {
			out = append(out, e.Name())
		}
	}
	return out
}

func mustLatest(t *testing.T, ti *TableIndex, stream string) index.IndexEntry {
	t.Helper()
	e, ok, err := ti.TryGetLatestEntry(stream)
	if err != nil {
		t.Fatalf("TryGetLatestEntry(%s) failed: %v", stream, err)
	}
	if !ok {
		t.Fatalf("TryGetLatestEntry(%s): not found", stream)
	}
	return e
}

func mustOldest(t *testing.T, ti *TableIndex, stream string) index.IndexEntry {
	t.Helper()
	e, ok, err := ti.TryGetOldestEntry(stream)
	if err != nil {
		t.Fatalf("TryGetOldestEntry(%s) failed: %v", stream, err)
	}
	if !ok {
		t.Fatalf("TryGetOldestEntry(%s): not found", stream)
	}
	return e
}

func expectRange(t *testing.T, ti *TableIndex, stream string, start, end int64, limit int, want []int64) {
	t.Helper()
	entries, err := ti.GetRange(stream, start, end, limit)
	if err != nil {
		t.Fatalf("GetRange(%s, %d, %d) failed: %v", stream, start, end, err)
	}
	if got := versionsOf(entries); !slices.Equal(got, want) {
		t.Errorf("GetRange(%s, %d, %d, %d): expected %v, got %v", stream, start, end, limit, want, got)
	}
}

func expectMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected %s to be removed, got %v", path, err)
	}
}

// TestOptions_Validate tests that each invalid option is rejected by name
func TestOptions_Validate(t *testing.T) {
	if err := DefaultOptions("/tmp/index").Validate(); err != nil {
		t.Fatalf("Expected default options to be valid, got %v", err)
	}

	notDir := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(notDir, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{"missing dir", func(o *Options) { o.Dir = "" }, "Dir"},
		{"version 1", func(o *Options) { o.PTableVersion = ptable.Version1 }, "PTableVersion"},
		{"unknown version", func(o *Options) { o.PTableVersion = 9 }, "PTableVersion"},
		{"single table merge", func(o *Options) { o.MaxTablesBeforeMerge = 1 }, "MaxTablesBeforeMerge"},
		{"empty memtable", func(o *Options) { o.MaxMemTableEntries = 0 }, "MaxMemTableEntries"},
		{"depth too large", func(o *Options) { o.Table.Depth = 29 }, "Table.Depth"},
		{"negative depth", func(o *Options) { o.Table.Depth = -1 }, "Table.Depth"},
		{"negative cache", func(o *Options) { o.Table.LRUCacheSize = -1 }, "Table.LRUCacheSize"},
		{"negative midpoint budget", func(o *Options) { o.Table.MaxMidpointBytes = -1 }, "Table.MaxMidpointBytes"},
		{"dir is a file", func(o *Options) { o.Dir = notDir }, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions("/tmp/index")
			tt.mutate(&opts)
			err := opts.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error mentioning %q, got %v", tt.field, err)
			}
		})
	}
}

func TestTableIndex_RequiresInitialize(t *testing.T) {
	ti := newIndex(t, testOptions(t.TempDir()))

	err := ti.AddEntries(1, []index.IndexKey{{StreamID: "s", Version: 0, Position: 1}})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AddEntries: expected ErrNotInitialized, got %v", err)
	}
	if _, _, err := ti.TryGetLatestEntry("s"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("TryGetLatestEntry: expected ErrNotInitialized, got %v", err)
	}

	if err := ti.Initialize(buildToEnd); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer closeIndex(t, ti)
	if err := ti.Initialize(buildToEnd); err == nil {
		t.Error("Expected second Initialize to fail")
	}
	if ti.CommitCheckpoint() != -1 || ti.PrepareCheckpoint() != -1 {
		t.Errorf("Expected checkpoints -1, got %d/%d", ti.CommitCheckpoint(), ti.PrepareCheckpoint())
	}
}

// TestTableIndex_QueriesMemTable tests every read against unflushed entries
func TestTableIndex_QueriesMemTable(t *testing.T) {
	ti := openIndex(t, testOptions(t.TempDir()), buildToEnd)
	addStream(t, ti, "orders", 100, 0, 5)
	addStream(t, ti, "users", 200, 0, 2)

	latest := mustLatest(t, ti, "orders")
	if latest.Version != 4 || latest.Position != 104 {
		t.Errorf("Expected latest 4@104, got %d@%d", latest.Version, latest.Position)
	}
	if oldest := mustOldest(t, ti, "orders"); oldest.Version != 0 {
		t.Errorf("Expected oldest version 0, got %d", oldest.Version)
	}

	pos, ok, err := ti.TryGetOneValue("users", 1)
	if err != nil || !ok {
		t.Fatalf("TryGetOneValue(users, 1) = %v, %v", ok, err)
	}
	if pos != 201 {
		t.Errorf("Expected position 201, got %d", pos)
	}

	if _, ok, err := ti.TryGetOneValue("users", 7); err != nil || ok {
		t.Errorf("TryGetOneValue(users, 7) = %v, %v; expected not found", ok, err)
	}
	if _, ok, err := ti.TryGetLatestEntry("missing"); err != nil || ok {
		t.Errorf("TryGetLatestEntry(missing) = %v, %v; expected not found", ok, err)
	}

	expectRange(t, ti, "orders", 1, 3, 0, []int64{3, 2, 1})
	expectRange(t, ti, "orders", 3, 1, 0, []int64{})

	if _, err := ti.GetRange("orders", -1, 3, 0); !errors.Is(err, ptable.ErrInvalidRange) {
		t.Errorf("Expected ErrInvalidRange, got %v", err)
	}

	// nothing is persisted until a flush
	if ti.CommitCheckpoint() != -1 {
		t.Errorf("Expected commit checkpoint -1, got %d", ti.CommitCheckpoint())
	}
}

func TestTableIndex_AddEntriesIsAtomic(t *testing.T) {
	ti := openIndex(t, testOptions(t.TempDir()), buildToEnd)

	keys := make([]index.IndexKey, 50)
	for i := range keys {
		keys[i] = index.IndexKey{StreamID: "batch", Version: int64(i), Position: 1000}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ti.AddEntries(1000, keys); err != nil {
			t.Errorf("AddEntries failed: %v", err)
		}
	}()

	for {
		entries, err := ti.GetRange("batch", 0, 100, 0)
		if err != nil {
			t.Fatalf("GetRange failed: %v", err)
		}
		n := len(entries)
		if n != 0 && n != len(keys) {
			t.Fatalf("Observed a partial commit of %d entries", n)
		}
		if n == len(keys) {
			break
		}
	}
	<-done
}

// TestTableIndex_FlushPersistsCheckpoints tests that a flush survives a restart
func TestTableIndex_FlushPersistsCheckpoints(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	ti := newIndex(t, opts)
	if err := ti.Initialize(buildToEnd); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	addStream(t, ti, "orders", 100, 0, 5)

	ti.FlushMemTable()
	waitBackground(t, ti)
	if ti.IsBackgroundTaskRunning() {
		t.Error("Expected background tasks to be finished")
	}
	if ti.TableCount() != 1 {
		t.Errorf("Expected 1 table, got %d", ti.TableCount())
	}
	if ti.CommitCheckpoint() != 104 || ti.PrepareCheckpoint() != 104 {
		t.Errorf("Expected checkpoints 104, got %d/%d", ti.CommitCheckpoint(), ti.PrepareCheckpoint())
	}

	// entries added after the flush stay in memory and are lost on close
	addStream(t, ti, "orders", 100, 5, 6)
	closeIndex(t, ti)

	reopened := openIndex(t, opts, buildToEnd)
	if reopened.TableCount() != 1 {
		t.Errorf("Expected 1 table after reopen, got %d", reopened.TableCount())
	}
	if reopened.CommitCheckpoint() != 104 {
		t.Errorf("Expected commit checkpoint 104, got %d", reopened.CommitCheckpoint())
	}
	if latest := mustLatest(t, reopened, "orders"); latest.Version != 4 {
		t.Errorf("Expected latest version 4, got %d", latest.Version)
	}
}

func TestTableIndex_FlushOfEmptyMemTableIsNoop(t *testing.T) {
	dir := t.TempDir()
	ti := openIndex(t, testOptions(dir), buildToEnd)
	ti.FlushMemTable()
	waitBackground(t, ti)
	if ti.TableCount() != 0 {
		t.Errorf("Expected 0 tables, got %d", ti.TableCount())
	}
	if files := tableFiles(t, dir); len(files) != 0 {
		t.Errorf("Expected no table files, got %v", files)
	}
}

func TestTableIndex_RangeSpansMemTableAndTables(t *testing.T) {
	ti := openIndex(t, testOptions(t.TempDir()), buildToEnd)
	addStream(t, ti, "orders", 100, 0, 3)
	ti.FlushMemTable()
	waitBackground(t, ti)
	addStream(t, ti, "orders", 100, 3, 5)

	expectRange(t, ti, "orders", 0, 10, 0, []int64{4, 3, 2, 1, 0})
	expectRange(t, ti, "orders", 0, 10, 2, []int64{4, 3})
	expectRange(t, ti, "orders", 1, 3, 0, []int64{3, 2, 1})

	if latest := mustLatest(t, ti, "orders"); latest.Version != 4 {
		t.Errorf("Expected latest version 4, got %d", latest.Version)
	}
	if oldest := mustOldest(t, ti, "orders"); oldest.Version != 0 {
		t.Errorf("Expected oldest version 0, got %d", oldest.Version)
	}
}

// TestTableIndex_AutomaticFlushAndMerge tests the flush and merge loop
func TestTableIndex_AutomaticFlushAndMerge(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemTableEntries = 2
	opts.MaxTablesBeforeMerge = 2
	ti := openIndex(t, opts, buildToEnd)

	addStream(t, ti, "orders", 100, 0, 8)
	waitBackground(t, ti)

	// every full memtable was flushed and the levels were merged down
	if ti.TableCount() > 2 {
		t.Errorf("Expected at most 2 tables, got %d", ti.TableCount())
	}
	if files := tableFiles(t, dir); len(files) != ti.TableCount() {
		t.Errorf("Expected %d table files, got %v", ti.TableCount(), files)
	}
	if ti.CommitCheckpoint() != 107 {
		t.Errorf("Expected commit checkpoint 107, got %d", ti.CommitCheckpoint())
	}
	if ti.IsMerging() {
		t.Error("Expected no merge after background tasks finished")
	}

	expectRange(t, ti, "orders", 0, 100, 0, []int64{7, 6, 5, 4, 3, 2, 1, 0})

	m, err := loadManifest(dir)
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if len(m.Tables) != ti.TableCount() {
		t.Errorf("Expected %d manifest tables, got %d", ti.TableCount(), len(m.Tables))
	}
	if m.CommitCheckpoint != 107 {
		t.Errorf("Expected manifest commit checkpoint 107, got %d", m.CommitCheckpoint)
	}
}

// TestTableIndex_Version2Tables tests flushing, merging and reopening with
// 20-byte entries
func TestTableIndex_Version2Tables(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PTableVersion = ptable.Version2
	opts.MaxMemTableEntries = 2
	opts.MaxTablesBeforeMerge = 2
	ti := openIndex(t, opts, buildToEnd)

	addStream(t, ti, "orders", 100, 0, 8)
	addStream(t, ti, "users", 200, 0, 4)
	waitBackground(t, ti)

	if ti.TableCount() == 0 {
		t.Fatal("Expected flushed tables")
	}
	expectRange(t, ti, "orders", 0, 100, 0, []int64{7, 6, 5, 4, 3, 2, 1, 0})
	expectRange(t, ti, "users", 1, 2, 0, []int64{2, 1})
	closeIndex(t, ti)

	for _, name := range tableFiles(t, dir) {
		table, err := ptable.Open(filepath.Join(dir, name), opts.Table)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", name, err)
		}
		if table.Version() != ptable.Version2 {
			t.Errorf("%s: expected version 2, got %d", name, table.Version())
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if want := int64(ptable.HeaderSize + ptable.MD5Size + table.Count()*ptable.IndexEntryV2Size); info.Size() != want {
			t.Errorf("%s: expected %d bytes, got %d", name, want, info.Size())
		}
		table.Dispose()
	}

	reopened := openIndex(t, opts, buildToEnd)
	latest := mustLatest(t, reopened, "orders")
	if latest.Version != 7 || latest.Position != 107 {
		t.Errorf("Expected latest 7@107, got %d@%d", latest.Version, latest.Position)
	}
	if oldest := mustOldest(t, reopened, "users"); oldest.Position != 200 {
		t.Errorf("Expected oldest position 200, got %d", oldest.Position)
	}
}

func TestTableIndex_InitializeDiscardsIndexAheadOfLog(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	ti := newIndex(t, opts)
	if err := ti.Initialize(buildToEnd); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	addStream(t, ti, "orders", 100, 0, 3)
	ti.FlushMemTable()
	waitBackground(t, ti)
	closeIndex(t, ti)
	if files := tableFiles(t, dir); len(files) != 1 {
		t.Fatalf("Expected 1 table file, got %v", files)
	}

	reopened := openIndex(t, opts, 50)
	if reopened.TableCount() != 0 {
		t.Errorf("Expected 0 tables, got %d", reopened.TableCount())
	}
	if reopened.CommitCheckpoint() != -1 {
		t.Errorf("Expected commit checkpoint -1, got %d", reopened.CommitCheckpoint())
	}
	if files := tableFiles(t, dir); len(files) != 0 {
		t.Errorf("Expected table files to be deleted, got %v", files)
	}
	if _, ok, err := reopened.TryGetLatestEntry("orders"); err != nil || ok {
		t.Errorf("TryGetLatestEntry(orders) = %v, %v; expected not found", ok, err)
	}
}

func TestTableIndex_InitializeRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "0000-orphan"+tableExtension)
	tmp := filepath.Join(dir, ".0000-orphan.ptable.1234.tmp")
	for _, path := range []string{orphan, tmp} {
		if err := os.WriteFile(path, []byte("junk"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	openIndex(t, testOptions(dir), buildToEnd)

	expectMissing(t, orphan)
	expectMissing(t, tmp)
}

func TestTableIndex_InitializeFailsOnCorruptTable(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	ti := newIndex(t, opts)
	if err := ti.Initialize(buildToEnd); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	addStream(t, ti, "orders", 100, 0, 3)
	ti.FlushMemTable()
	waitBackground(t, ti)
	closeIndex(t, ti)

	files := tableFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("Expected 1 table file, got %v", files)
	}
	path := filepath.Join(dir, files[0])
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[ptable.HeaderSize] ^= 0xff
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	reopened := newIndex(t, opts)
	err = reopened.Initialize(buildToEnd)
	if err == nil {
		t.Fatal("Expected Initialize to fail on a corrupt table")
	}
	if !index.IsCorruption(err) {
		t.Errorf("Expected a corruption error, got %v", err)
	}
}

// TestTableIndex_LatestEntryBeforeSkipsCollisions tests hash collision handling
func TestTableIndex_LatestEntryBeforeSkipsCollisions(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Hasher = index.HasherFunc(func(string) uint64 { return 7 })
	ti := openIndex(t, opts, buildToEnd)

	owner := make(map[int64]string)
	add := func(stream string, version, pos int64) {
		owner[pos] = stream
		if err := ti.AddEntries(pos, []index.IndexKey{{StreamID: stream, Version: version, Position: pos}}); err != nil {
			t.Fatalf("AddEntries failed: %v", err)
		}
	}
	add("a", 0, 10)
	add("b", 0, 20)
	add("a", 1, 30)
	ti.FlushMemTable()
	waitBackground(t, ti)
	add("b", 1, 40)
	add("a", 2, 50)

	isFor := func(stream string) ptable.StreamPredicate {
		return func(_ context.Context, e index.IndexEntry) (bool, error) {
			return owner[e.Position] == stream, nil
		}
	}

	tests := []struct {
		stream  string
		before  int64
		want    int64
		wantHit bool
	}{
		{"b", 100, 40, true},
		{"b", 40, 20, true},
		{"a", 50, 30, true},
		{"a", 10, 0, false},
	}
	for _, tt := range tests {
		e, ok, err := ti.TryGetLatestEntryBefore(context.Background(), tt.stream, tt.before, isFor(tt.stream))
		if err != nil {
			t.Fatalf("TryGetLatestEntryBefore(%s, %d) failed: %v", tt.stream, tt.before, err)
		}
		if ok != tt.wantHit {
			t.Errorf("TryGetLatestEntryBefore(%s, %d): expected found=%v, got %v", tt.stream, tt.before, tt.wantHit, ok)
			continue
		}
		if ok && e.Position != tt.want {
			t.Errorf("TryGetLatestEntryBefore(%s, %d): expected position %d, got %d", tt.stream, tt.before, tt.want, e.Position)
		}
	}

	boom := errors.New("boom")
	_, _, err := ti.TryGetLatestEntryBefore(context.Background(), "a", 100,
		func(context.Context, index.IndexEntry) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected predicate error, got %v", err)
	}

	// colliding streams share a range; callers filter by reading the record
	entries, err := ti.GetRange("a", 0, 10, 0)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Expected 5 entries, got %d", len(entries))
	}
}

func TestTableIndex_WaitForBackgroundTasksHonoursContext(t *testing.T) {
	ti := openIndex(t, testOptions(t.TempDir()), buildToEnd)

	ti.mu.Lock()
	ti.bgRunning = true
	ti.bgDone = make(chan struct{})
	ti.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ti.WaitForBackgroundTasks(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	ti.mu.Lock()
	ti.bgRunning = false
	close(ti.bgDone)
	ti.mu.Unlock()
	if err := ti.WaitForBackgroundTasks(context.Background()); err != nil {
		t.Errorf("Expected nil once tasks finish, got %v", err)
	}
}

// TestTableIndex_FlushesDoNotCountAsMerging tests that only merges are
// reported by IsMerging
func TestTableIndex_FlushesDoNotCountAsMerging(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MaxMemTableEntries = 1
	opts.MaxTablesBeforeMerge = 100
	ti := openIndex(t, opts, buildToEnd)

	for v := int64(0); v < 20; v++ {
		addStream(t, ti, "orders", 100, v, v+1)
		if ti.IsMerging() {
			t.Fatalf("Flush of version %d reported as a merge", v)
		}
	}
	if err := ti.WaitForMerge(context.Background()); err != nil {
		t.Errorf("WaitForMerge without a merge: expected nil, got %v", err)
	}
	waitBackground(t, ti)
	if ti.TableCount() != 20 {
		t.Errorf("Expected 20 unmerged tables, got %d", ti.TableCount())
	}
}

func TestTableIndex_WaitForMergeHonoursContext(t *testing.T) {
	ti := openIndex(t, testOptions(t.TempDir()), buildToEnd)

	ti.mu.Lock()
	ti.merging = true
	ti.mergeDone = make(chan struct{})
	ti.mu.Unlock()
	if !ti.IsMerging() {
		t.Fatal("Expected IsMerging to report the running merge")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ti.WaitForMerge(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ti.WaitForMerge(context.Background()) }()
	ti.endMerge()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil after the merge ended, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForMerge did not return after the merge ended")
	}
	if ti.IsMerging() {
		t.Error("Expected IsMerging to be false after the merge ended")
	}
}
