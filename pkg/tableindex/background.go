package tableindex

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
)

func (ti *TableIndex) createOptions() ptable.CreateOptions {
	opts := ptable.DefaultCreateOptions()
	opts.Version = ti.opts.PTableVersion
	opts.Depth = ti.opts.Table.Depth
	opts.BloomFilter = ti.opts.Table.UseBloomFilter
	opts.Logger = ti.opts.Table.Logger
	return opts
}

func (ti *TableIndex) newTablePath() (string, string) {
	name := uuid.NewString() + tableExtension
	return name, filepath.Join(ti.opts.Dir, name)
}

func (ti *TableIndex) startBackgroundLocked() {
	if ti.bgRunning {
		return
	}
	ti.bgRunning = true
	ti.bgErr = nil
	ti.bgDone = make(chan struct{})
	go ti.runBackground()
}

// IsBackgroundTaskRunning reports whether a flush or merge is in progress.
func (ti *TableIndex) IsBackgroundTaskRunning() bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.bgRunning
}

// BackgroundError returns the error that stopped the last flush or merge.
func (ti *TableIndex) BackgroundError() error {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.bgErr
}

// IsMerging reports whether tables are being merged. Flushes do not count.
func (ti *TableIndex) IsMerging() bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.merging
}

// WaitForMerge blocks until the running merge, if any, has finished.
func (ti *TableIndex) WaitForMerge(ctx context.Context) error {
	ti.mu.RLock()
	merging, done := ti.merging, ti.mergeDone
	ti.mu.RUnlock()

	if !merging {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForBackgroundTasks blocks until pending flushes and merges finish and
// returns the error that stopped them, if any.
func (ti *TableIndex) WaitForBackgroundTasks(ctx context.Context) error {
	ti.mu.RLock()
	running, done := ti.bgRunning, ti.bgDone
	ti.mu.RUnlock()

	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.bgErr
}

func (ti *TableIndex) runBackground() {
	for {
		ti.mu.Lock()
		if len(ti.awaiting) > 0 {
			mt := ti.awaiting[0]
			ti.mu.Unlock()
			if err := ti.flush(mt); err != nil {
				ti.stopBackground(fmt.Errorf("failed to flush memtable: %w", err))
				return
			}
			continue
		}
		level, inputs := ti.pickMergeLocked()
		if inputs == nil {
			ti.bgRunning = false
			close(ti.bgDone)
			ti.mu.Unlock()
			return
		}
		ti.merging = true
		ti.mergeDone = make(chan struct{})
		ti.mu.Unlock()
		err := ti.merge(level, inputs)
		ti.endMerge()
		if err != nil {
			ti.stopBackground(fmt.Errorf("failed to merge level %d: %w", level, err))
			return
		}
	}
}

func (ti *TableIndex) endMerge() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.merging = false
	close(ti.mergeDone)
}

func (ti *TableIndex) stopBackground(err error) {
	ti.logger.Error("index background task failed", logging.Error(err))
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.bgErr = err
	ti.bgRunning = false
	close(ti.bgDone)
}

// flush writes mt to a new level-0 table. mt stays queryable until the
// table is live.
func (ti *TableIndex) flush(mt *memTable) error {
	entries := mt.all()
	name, path := ti.newTablePath()
	timer := logging.StartTimer(ti.logger, "flushed memtable", logging.File(name), logging.Count(len(entries)))

	if err := ptable.Create(path, entries, ti.createOptions()); err != nil {
		return err
	}
	t, err := ti.openTable(name)
	if err != nil {
		return err
	}

	prepare, commit := mt.checkpoints()
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.tables = append(ti.tables, &table{PTable: t, level: 0})
	ti.awaiting = ti.awaiting[1:]
	ti.checkpoints.PrepareCheckpoint = max(ti.checkpoints.PrepareCheckpoint, prepare)
	ti.checkpoints.CommitCheckpoint = max(ti.checkpoints.CommitCheckpoint, commit)
	if err := ti.saveManifestLocked(); err != nil {
		return err
	}
	timer.End()
	return nil
}

// pickMergeLocked returns the lowest level holding enough tables to merge.
func (ti *TableIndex) pickMergeLocked() (int, []*table) {
	byLevel := make(map[int][]*table)
	for _, t := range ti.tables {
		byLevel[t.level] = append(byLevel[t.level], t)
	}
	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	slices.Sort(levels)
	for _, level := range levels {
		if len(byLevel[level]) >= ti.opts.MaxTablesBeforeMerge {
			return level, byLevel[level]
		}
	}
	return 0, nil
}

func (ti *TableIndex) merge(level int, inputs []*table) error {
	sources := make([]*ptable.PTable, len(inputs))
	var count int64
	for i, t := range inputs {
		sources[i] = t.PTable
		count += t.Count()
	}
	name, path := ti.newTablePath()
	timer := logging.StartTimer(ti.logger, "merged index tables",
		logging.File(name), logging.Int("level", level+1), logging.Int("inputs", len(inputs)), logging.Int64("entries", count))

	if err := ptable.Merge(path, sources, ti.createOptions()); err != nil {
		return err
	}
	merged, err := ti.openTable(name)
	if err != nil {
		return err
	}

	ti.mu.Lock()
	pos := slices.Index(ti.tables, inputs[0])
	kept := make([]*table, 0, len(ti.tables))
	for i, t := range ti.tables {
		if i == pos {
			kept = append(kept, &table{PTable: merged, level: level + 1})
		}
		if !slices.Contains(inputs, t) {
			kept = append(kept, t)
		}
	}
	ti.tables = kept
	err = ti.saveManifestLocked()
	ti.mu.Unlock()
	if err != nil {
		return err
	}

	for _, t := range inputs {
		t.MarkForDestruction()
	}
	timer.End()
	return nil
}

func (ti *TableIndex) openTable(name string) (*ptable.PTable, error) {
	opts := ti.opts.Table
	opts.ID = name
	return ptable.Open(filepath.Join(ti.opts.Dir, name), opts)
}

func (ti *TableIndex) saveManifestLocked() error {
	m := ti.checkpoints
	m.Version = manifestVersion
	m.Tables = make([]manifestTable, len(ti.tables))
	for i, t := range ti.tables {
		m.Tables[i] = manifestTable{File: t.ID(), Level: t.level}
	}
	if err := m.save(ti.opts.Dir); err != nil {
		return fmt.Errorf("failed to save %s: %w", ManifestFile, err)
	}
	ti.checkpoints = m
	return nil
}
