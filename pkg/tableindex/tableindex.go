// Package tableindex is the multi-table index the committer writes to: an
// in-memory table for recent entries over a set of immutable PTables that
// are flushed and merged in the background.
package tableindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
	"github.com/dd0wney/cluso-eventindex/pkg/validation"
)

const tableExtension = ".ptable"

// ErrNotInitialized is returned by operations that need Initialize first.
var ErrNotInitialized = errors.New("table index is not initialized")

// Options configures a TableIndex.
type Options struct {
	Dir string
	// PTableVersion is the format of flushed and merged tables.
	PTableVersion byte
	// MaxMemTableEntries triggers a flush once reached.
	MaxMemTableEntries int
	// MaxTablesBeforeMerge merges a level once it holds this many tables.
	MaxTablesBeforeMerge int

	Table  ptable.Options
	Hasher index.StreamHasher
	Logger logging.Logger
}

// DefaultOptions returns options for a table index rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                  dir,
		PTableVersion:        ptable.LatestVersion,
		MaxMemTableEntries:   1_000_000,
		MaxTablesBeforeMerge: 4,
		Table:                ptable.DefaultOptions(),
		Hasher:               index.DefaultHasher,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	return validation.NewConfigValidator("TableIndex").
		Required("Dir", o.Dir).
		RangeInt("PTableVersion", int(o.PTableVersion), int(ptable.Version2), int(ptable.LatestVersion)).
		MinInt("MaxMemTableEntries", o.MaxMemTableEntries, 1).
		MinInt("MaxTablesBeforeMerge", o.MaxTablesBeforeMerge, 2).
		RangeInt("Table.Depth", o.Table.Depth, 0, 28).
		MinInt("Table.LRUCacheSize", o.Table.LRUCacheSize, 0).
		NonNegative64("Table.MaxMidpointBytes", o.Table.MaxMidpointBytes).
		Custom("Dir", func() error {
			if info, err := os.Stat(o.Dir); err == nil && !info.IsDir() {
				return fmt.Errorf("%s is not a directory", o.Dir)
			}
			return nil
		}).
		Validate()
}

type table struct {
	*ptable.PTable
	level int
}

// TableIndex is safe for concurrent readers and a single writer.
type TableIndex struct {
	opts   Options
	logger logging.Logger

	mu          sync.RWMutex
	initialized bool
	closed      bool
	active      *memTable
	awaiting    []*memTable // oldest first, being flushed
	tables      []*table    // oldest first
	checkpoints manifest

	bgRunning bool
	bgDone    chan struct{}
	bgErr     error
	merging   bool
	mergeDone chan struct{}
}

// New creates an uninitialized table index.
func New(opts Options) (*TableIndex, error) {
	if opts.Hasher == nil {
		opts.Hasher = index.DefaultHasher
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.Table.Logger = logging.OrDefault(opts.Logger)
	return &TableIndex{
		opts:        opts,
		logger:      logging.OrDefault(opts.Logger).With(logging.Component("tableindex")),
		active:      newMemTable(),
		checkpoints: emptyManifest(),
	}, nil
}

// Initialize loads the persisted tables. A manifest whose commit checkpoint
// is beyond buildToPosition was written against a longer log, so it is
// discarded together with its tables and the index starts empty.
func (ti *TableIndex) Initialize(buildToPosition int64) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.initialized {
		return errors.New("table index is already initialized")
	}
	if err := os.MkdirAll(ti.opts.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	m, err := loadManifest(ti.opts.Dir)
	if err != nil {
		return err
	}
	if m.CommitCheckpoint >= buildToPosition && m.CommitCheckpoint >= 0 {
		ti.logger.Warn("index is ahead of the transaction log, discarding it",
			logging.Int64("commit_checkpoint", m.CommitCheckpoint),
			logging.Int64("build_to", buildToPosition))
		m = emptyManifest()
		if err := m.save(ti.opts.Dir); err != nil {
			return err
		}
	}

	tables := make([]*table, 0, len(m.Tables))
	for _, mt := range m.Tables {
		t, err := ti.openTable(mt.File)
		if err != nil {
			for _, opened := range tables {
				opened.Dispose()
			}
			return fmt.Errorf("failed to open index table %s: %w", mt.File, err)
		}
		tables = append(tables, &table{PTable: t, level: mt.Level})
	}

	ti.removeOrphans(m)
	ti.tables = tables
	ti.checkpoints = m
	ti.initialized = true
	ti.logger.Info("table index initialized",
		logging.Count(len(tables)),
		logging.Int64("prepare_checkpoint", m.PrepareCheckpoint),
		logging.Int64("commit_checkpoint", m.CommitCheckpoint))
	return nil
}

// removeOrphans deletes table files and temporaries not named by m.
func (ti *TableIndex) removeOrphans(m manifest) {
	live := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		live[t.File] = true
		live[t.File+ptable.BloomFilterExtension] = true
	}
	entries, err := os.ReadDir(ti.opts.Dir)
	if err != nil {
		ti.logger.Warn("failed to list index directory", logging.Error(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		orphan := strings.HasSuffix(name, ".tmp") ||
			(strings.Contains(name, tableExtension) && !live[name])
		if !orphan || name == ManifestFile {
			continue
		}
		path := filepath.Join(ti.opts.Dir, name)
		_ = os.Chmod(path, 0644)
		if err := os.Remove(path); err != nil {
			ti.logger.Warn("failed to remove orphaned index file", logging.Path(path), logging.Error(err))
			continue
		}
		ti.logger.Debug("removed orphaned index file", logging.Path(path))
	}
}

// PrepareCheckpoint is the highest prepare position persisted in tables.
func (ti *TableIndex) PrepareCheckpoint() int64 {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.checkpoints.PrepareCheckpoint
}

// CommitCheckpoint is the highest commit position persisted in tables.
// Entries still in memory are not covered and are rebuilt from the log
// after a restart.
func (ti *TableIndex) CommitCheckpoint() int64 {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.checkpoints.CommitCheckpoint
}

// AddEntries indexes the entries of one commit. Readers see either all of
// them or none.
func (ti *TableIndex) AddEntries(commitPos int64, keys []index.IndexKey) error {
	entries := make([]index.IndexEntry, len(keys))
	for i, k := range keys {
		entries[i] = index.IndexEntry{Stream: ti.opts.Hasher.Hash(k.StreamID), Version: k.Version, Position: k.Position}
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	if !ti.initialized || ti.closed {
		return ErrNotInitialized
	}
	ti.active.add(commitPos, entries)
	if ti.active.len() >= ti.opts.MaxMemTableEntries {
		ti.switchMemTableLocked()
	}
	return nil
}

// FlushMemTable queues the in-memory entries for writing to a table.
func (ti *TableIndex) FlushMemTable() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.initialized && !ti.closed && ti.active.len() > 0 {
		ti.switchMemTableLocked()
	}
}

func (ti *TableIndex) switchMemTableLocked() {
	ti.awaiting = append(ti.awaiting, ti.active)
	ti.active = newMemTable()
	ti.startBackgroundLocked()
}

// TableCount returns the number of live PTables.
func (ti *TableIndex) TableCount() int {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.tables)
}

// Close waits for background work and releases every table. In-memory
// entries are dropped.
func (ti *TableIndex) Close(ctx context.Context) error {
	ti.mu.Lock()
	if ti.closed {
		ti.mu.Unlock()
		return nil
	}
	ti.closed = true
	ti.mu.Unlock()

	err := ti.WaitForBackgroundTasks(ctx)

	ti.mu.Lock()
	defer ti.mu.Unlock()
	for _, t := range ti.tables {
		t.Dispose()
	}
	ti.tables = nil
	return err
}
