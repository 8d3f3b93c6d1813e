// Package committer applies committed transaction-log records to the
// table index, both while rebuilding the index at startup and as new
// commits arrive.
package committer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/backend"
	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
	"github.com/dd0wney/cluso-eventindex/pkg/streamfilter"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

const (
	progressRecords  = 100_000
	progressInterval = 5 * time.Second
)

// TableIndex is the index the committer writes to.
type TableIndex interface {
	Initialize(buildToPosition int64) error
	PrepareCheckpoint() int64
	CommitCheckpoint() int64
	AddEntries(commitPos int64, keys []index.IndexKey) error
	GetRange(streamID string, startVersion, endVersion int64, limit int) ([]index.IndexEntry, error)
	TryGetLatestEntryBefore(ctx context.Context, streamID string, beforePosition int64, isForStream ptable.StreamPredicate) (index.IndexEntry, bool, error)
	IsMerging() bool
	WaitForMerge(ctx context.Context) error
	WaitForBackgroundTasks(ctx context.Context) error
}

// IndexBackend is the read-side cache the committer keeps current.
type IndexBackend interface {
	SetStreamLastEventNumber(streamID string, tail backend.LastEventNumber)
	InvalidateStreamMetadata(streamID string)
	SetSystemSettings(s backend.SystemSettings)
}

// LogReader reads the transaction log.
type LogReader interface {
	Reposition(pos int64)
	TryReadNext(ctx context.Context) (tlog.ReadResult, bool, error)
	TryReadAt(pos int64) (tlog.Record, bool, error)
	Close() error
}

// StreamFilter tracks which streams exist.
type StreamFilter interface {
	Add(streamID string, logPosition int64)
	Initialize(ctx context.Context, reader streamfilter.LogReader, truncateTo int64) error
}

// Publisher delivers notifications to subscribers.
type Publisher interface {
	Publish(topic string, message any)
}

// IndexTracker observes indexing.
type IndexTracker interface {
	OnIndexed(prepares []*tlog.PrepareRecord)
	OnCommit(entries int, elapsed time.Duration)
	OnRebuildProgress(records int64, position, buildTo int64)
}

// NopTracker ignores every observation.
type NopTracker struct{}

func (NopTracker) OnIndexed([]*tlog.PrepareRecord)       {}
func (NopTracker) OnCommit(int, time.Duration)           {}
func (NopTracker) OnRebuildProgress(int64, int64, int64) {}

// Options configures a Committer. TableIndex, Backend and OpenReader are
// required.
type Options struct {
	TableIndex TableIndex
	Backend    IndexBackend
	// OpenReader opens an independent reader over the transaction log.
	OpenReader func() (LogReader, error)
	Filter     StreamFilter
	Publisher  Publisher
	Tracker    IndexTracker
	// AdditionalCommitChecks verifies every commit against the index
	// before applying it. It costs index reads per commit.
	AdditionalCommitChecks bool
	Logger                 logging.Logger
}

// Committer is driven by a single writer: Init, then Commit and
// CommitPrepares in log order. Read-only accessors are safe from any
// goroutine.
type Committer struct {
	opts    Options
	logger  logging.Logger
	tracker IndexTracker
	reader  LogReader

	rebuilding         atomic.Bool
	lastCommitPosition atomic.Int64

	// checkpoints persisted by the table index when Init ran; entries at or
	// below them are already indexed.
	persistedPrepare int64
	persistedCommit  int64
}

// New creates a committer. It opens the reader used to walk transactions.
func New(opts Options) (*Committer, error) {
	if opts.TableIndex == nil || opts.Backend == nil || opts.OpenReader == nil {
		return nil, errors.New("committer requires a table index, a backend and a log reader")
	}
	reader, err := opts.OpenReader()
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NopTracker{}
	}
	c := &Committer{
		opts:             opts,
		logger:           logging.OrDefault(opts.Logger).With(logging.Component("committer")),
		tracker:          tracker,
		reader:           reader,
		persistedPrepare: -1,
		persistedCommit:  -1,
	}
	c.rebuilding.Store(true)
	c.lastCommitPosition.Store(-1)
	return c, nil
}

// IsRebuilding reports whether Init has not finished yet.
func (c *Committer) IsRebuilding() bool { return c.rebuilding.Load() }

// LastIndexedPosition is the log position of the last applied commit.
func (c *Committer) LastIndexedPosition() int64 { return c.lastCommitPosition.Load() }

// Close releases the committer's log reader.
func (c *Committer) Close() error { return c.reader.Close() }

// Init brings the index up to buildToPosition by replaying the log from
// the table index's persisted commit checkpoint.
func (c *Committer) Init(ctx context.Context, buildToPosition int64) error {
	ti := c.opts.TableIndex
	if err := ti.Initialize(buildToPosition); err != nil {
		return fmt.Errorf("failed to initialize table index: %w", err)
	}
	c.persistedPrepare = ti.PrepareCheckpoint()
	c.persistedCommit = ti.CommitCheckpoint()
	if c.persistedCommit >= 0 && c.persistedCommit >= buildToPosition {
		return fmt.Errorf("%w: commit checkpoint %d, build position %d",
			ErrInvalidBuildPosition, c.persistedCommit, buildToPosition)
	}
	c.lastCommitPosition.Store(c.persistedCommit)

	fullRebuild := c.persistedCommit < 0
	startPos := max(c.persistedCommit, 0)
	c.logger.Info("rebuilding index",
		logging.Int64("from", startPos), logging.Int64("build_to", buildToPosition),
		logging.Int64("prepare_checkpoint", c.persistedPrepare))
	timer := logging.StartTimer(c.logger, "index rebuilt", logging.Int64("build_to", buildToPosition))

	scan, err := c.opts.OpenReader()
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer scan.Close()

	if err := c.replay(ctx, scan, startPos, buildToPosition); err != nil {
		return err
	}

	if fullRebuild {
		if err := ti.WaitForBackgroundTasks(ctx); err != nil {
			return fmt.Errorf("index background tasks failed: %w", err)
		}
	}
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(TopicTfEofAtNonCommitRecord, TfEofAtNonCommitRecord{})
	}
	if c.opts.Filter != nil {
		if err := c.opts.Filter.Initialize(ctx, scan, buildToPosition); err != nil {
			return fmt.Errorf("failed to initialize stream filter: %w", err)
		}
	}

	c.rebuilding.Store(false)
	timer.EndInfo(logging.Int64("last_commit", c.lastCommitPosition.Load()))
	return nil
}

func (c *Committer) replay(ctx context.Context, scan LogReader, from, to int64) error {
	ti := c.opts.TableIndex
	scan.Reposition(from)

	var (
		processed    int64
		lastReport   = time.Now()
		lastReported int64
		implicit     []*tlog.PrepareRecord
	)
	for {
		res, ok, err := scan.TryReadNext(ctx)
		if err != nil {
			return fmt.Errorf("failed to read transaction log: %w", err)
		}
		if !ok || res.Record.Position() >= to {
			break
		}

		if ti.IsMerging() {
			c.logger.Debug("pausing rebuild while index tables merge", logging.Position(res.Record.Position()))
			if err := ti.WaitForMerge(ctx); err != nil {
				return fmt.Errorf("failed waiting for index merge: %w", err)
			}
		}

		switch rec := res.Record.(type) {
		case *tlog.CommitRecord:
			if _, err := c.Commit(ctx, rec, false, false); err != nil {
				return err
			}
		case *tlog.PrepareRecord:
			// implicit transactions are committed by their last prepare
			if rec.Flags.Has(tlog.FlagIsCommitted) {
				if indexable(rec) {
					implicit = append(implicit, rec)
				}
				if rec.Flags.Has(tlog.FlagTransactionEnd) {
					if err := c.CommitPrepares(ctx, implicit, 0, nil, false, false); err != nil {
						return err
					}
					implicit = nil
				}
			}
		case *tlog.SystemRecord:
		default:
			return fmt.Errorf("%w: %T at %d", ErrUnknownRecordType, rec, rec.Position())
		}

		processed++
		if processed-lastReported >= progressRecords || time.Since(lastReport) >= progressInterval {
			c.logger.Debug("rebuilding index",
				logging.Int64("records", processed), logging.Position(res.Record.Position()),
				logging.Int64("build_to", to))
			c.tracker.OnRebuildProgress(processed, res.Record.Position(), to)
			lastReport, lastReported = time.Now(), processed
		}
	}
	c.tracker.OnRebuildProgress(processed, to, to)
	c.logger.Info("index replay finished", logging.Int64("records", processed))
	return nil
}
