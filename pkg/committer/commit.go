package committer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/backend"
	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

// streamCommit is the indexable part of a commit for one stream.
type streamCommit struct {
	streamID string
	prepares []*tlog.PrepareRecord
	numbers  []int64
}

func (s *streamCommit) add(p *tlog.PrepareRecord, number int64) {
	s.prepares = append(s.prepares, p)
	s.numbers = append(s.numbers, number)
}

func (s *streamCommit) lastNumber() int64 { return s.numbers[len(s.numbers)-1] }

type indexedEvent struct {
	prepare *tlog.PrepareRecord
	number  int64
}

func indexable(p *tlog.PrepareRecord) bool {
	return p.Flags.Has(tlog.FlagData) || p.Flags.Has(tlog.FlagStreamDelete)
}

// alreadyIndexed reports whether a commit at commitPos was applied. While
// rebuilding, the commit at the checkpoint itself is replayed since some
// of its entries may not have been persisted.
func (c *Committer) alreadyIndexed(commitPos, lastIndexed int64) bool {
	return commitPos < lastIndexed || (commitPos == lastIndexed && !c.rebuilding.Load())
}

// isNew reports whether the entry is beyond what the table index had
// persisted when Init ran.
func (c *Committer) isNew(commitPos, preparePos int64) bool {
	return commitPos > c.persistedCommit ||
		(commitPos == c.persistedCommit && preparePos > c.persistedPrepare)
}

// readTransaction returns the indexable prepares of the transaction
// committed by commit.
func (c *Committer) readTransaction(ctx context.Context, commit *tlog.CommitRecord) ([]*tlog.PrepareRecord, error) {
	c.reader.Reposition(commit.TransactionPosition)
	var out []*tlog.PrepareRecord
	for {
		res, ok, err := c.reader.TryReadNext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction at %d: %w", commit.TransactionPosition, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: transaction at %d not terminated before commit at %d",
				ErrUnexpectedEndOfLog, commit.TransactionPosition, commit.LogPosition)
		}
		if res.Record.Position() >= commit.LogPosition {
			return out, nil
		}
		p, isPrepare := res.Record.(*tlog.PrepareRecord)
		if isPrepare && p.TransactionPosition == commit.TransactionPosition && indexable(p) {
			out = append(out, p)
		}
	}
}

// transactionStream assigns event numbers to an explicit transaction.
func transactionStream(commit *tlog.CommitRecord, prepares []*tlog.PrepareRecord) (streamCommit, error) {
	s := streamCommit{streamID: prepares[0].EventStreamID}
	for _, p := range prepares {
		if p.EventStreamID != s.streamID {
			return streamCommit{}, fmt.Errorf("%w: transaction at %d writes to %q and %q",
				ErrStreamMismatch, commit.TransactionPosition, s.streamID, p.EventStreamID)
		}
		number := commit.FirstEventNumber + int64(p.TransactionOffset)
		if p.Flags.Has(tlog.FlagStreamDelete) {
			number = tlog.EventNumberDeletedStream
		}
		s.add(p, number)
	}
	return s, nil
}

// GetCommitLastEventNumber returns the last event number commit would
// produce, or EventNumberInvalid if it was already indexed or has no
// events.
func (c *Committer) GetCommitLastEventNumber(ctx context.Context, commit *tlog.CommitRecord) (int64, error) {
	if c.alreadyIndexed(commit.LogPosition, c.lastCommitPosition.Load()) {
		return tlog.EventNumberInvalid, nil
	}
	prepares, err := c.readTransaction(ctx, commit)
	if err != nil || len(prepares) == 0 {
		return tlog.EventNumberInvalid, err
	}
	s, err := transactionStream(commit, prepares)
	if err != nil {
		return tlog.EventNumberInvalid, err
	}
	return s.lastNumber(), nil
}

// Commit indexes the explicit transaction committed by commit and returns
// the stream's new last event number. A commit that was already indexed is
// skipped and returns EventNumberInvalid.
func (c *Committer) Commit(ctx context.Context, commit *tlog.CommitRecord, isTfEof, cacheLastEventNumber bool) (int64, error) {
	lastIndexed := c.lastCommitPosition.Load()
	if c.alreadyIndexed(commit.LogPosition, lastIndexed) {
		return tlog.EventNumberInvalid, nil
	}
	prepares, err := c.readTransaction(ctx, commit)
	if err != nil {
		return tlog.EventNumberInvalid, err
	}
	if len(prepares) == 0 {
		return tlog.EventNumberInvalid, c.advance(lastIndexed, commit.LogPosition)
	}

	s, err := transactionStream(commit, prepares)
	if err != nil {
		return tlog.EventNumberInvalid, err
	}
	if err := c.apply(ctx, commit.LogPosition, lastIndexed, []streamCommit{s}, isTfEof, cacheLastEventNumber); err != nil {
		return tlog.EventNumberInvalid, err
	}
	return s.lastNumber(), nil
}

// CommitPrepares indexes an implicitly committed batch that may span
// several streams. streamIndexes[i] names the stream slot of prepares[i]
// and must be below numStreams; a nil streamIndexes assigns slots by first
// appearance. Each event's number is its expected version plus one.
func (c *Committer) CommitPrepares(ctx context.Context, prepares []*tlog.PrepareRecord, numStreams int, streamIndexes []int, isTfEof, cacheLastEventNumber bool) error {
	if len(prepares) == 0 {
		return nil
	}
	commitPos := prepares[len(prepares)-1].LogPosition
	lastIndexed := c.lastCommitPosition.Load()
	if c.alreadyIndexed(commitPos, lastIndexed) {
		return nil
	}

	if streamIndexes == nil {
		numStreams, streamIndexes = assignStreamSlots(prepares)
	}
	if len(streamIndexes) != len(prepares) {
		return fmt.Errorf("got %d stream indexes for %d prepares", len(streamIndexes), len(prepares))
	}

	streams := make([]streamCommit, numStreams)
	for i, p := range prepares {
		slot := streamIndexes[i]
		if slot < 0 || slot >= numStreams {
			return fmt.Errorf("stream index %d of prepare at %d is outside [0, %d)", slot, p.LogPosition, numStreams)
		}
		s := &streams[slot]
		if len(s.prepares) == 0 {
			s.streamID = p.EventStreamID
		} else if s.streamID != p.EventStreamID {
			return c.streamMismatch(prepares, streamIndexes, slot, i)
		}
		if !indexable(p) {
			continue
		}
		number := p.ExpectedVersion + 1
		if p.Flags.Has(tlog.FlagStreamDelete) {
			number = tlog.EventNumberDeletedStream
		}
		s.add(p, number)
	}

	nonEmpty := streams[:0]
	for _, s := range streams {
		if len(s.prepares) > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return c.apply(ctx, commitPos, lastIndexed, nonEmpty, isTfEof, cacheLastEventNumber)
}

func assignStreamSlots(prepares []*tlog.PrepareRecord) (int, []int) {
	slots := make(map[string]int)
	indexes := make([]int, len(prepares))
	for i, p := range prepares {
		slot, ok := slots[p.EventStreamID]
		if !ok {
			slot = len(slots)
			slots[p.EventStreamID] = slot
		}
		indexes[i] = slot
	}
	return len(slots), indexes
}

func (c *Committer) streamMismatch(prepares []*tlog.PrepareRecord, streamIndexes []int, slot, at int) error {
	var dump strings.Builder
	for i, p := range prepares {
		fmt.Fprintf(&dump, "\n  [%d] slot=%d stream=%q position=%d expected_version=%d flags=%#x",
			i, streamIndexes[i], p.EventStreamID, p.LogPosition, p.ExpectedVersion, uint16(p.Flags))
	}
	err := fmt.Errorf("%w: prepare %d in slot %d names %q:%s",
		ErrStreamMismatch, at, slot, prepares[at].EventStreamID, dump.String())
	c.logger.Error("commit invariant violation", logging.Error(err))
	return err
}

// apply indexes the entries of one commit, then updates the caches and
// the indexed position, then notifies subscribers.
func (c *Committer) apply(ctx context.Context, commitPos, lastIndexed int64, streams []streamCommit, isTfEof, cacheLastEventNumber bool) error {
	start := time.Now()

	var (
		keys    []index.IndexKey
		indexed []indexedEvent
	)
	fresh := make([]streamCommit, 0, len(streams))
	for _, s := range streams {
		n := streamCommit{streamID: s.streamID}
		for i, p := range s.prepares {
			if !c.isNew(commitPos, p.LogPosition) {
				continue
			}
			n.add(p, s.numbers[i])
			keys = append(keys, index.IndexKey{StreamID: s.streamID, Version: s.numbers[i], Position: p.LogPosition})
			indexed = append(indexed, indexedEvent{prepare: p, number: s.numbers[i]})
		}
		if len(n.prepares) > 0 {
			fresh = append(fresh, n)
		}
	}

	if c.opts.AdditionalCommitChecks {
		for _, s := range fresh {
			if err := c.checkStreamVersion(ctx, s); err != nil {
				return err
			}
			if err := c.checkDuplicateEvents(ctx, s); err != nil {
				return err
			}
		}
	}

	if len(keys) > 0 {
		if err := c.opts.TableIndex.AddEntries(commitPos, keys); err != nil {
			return fmt.Errorf("failed to index commit at %d: %w", commitPos, err)
		}
	}

	for _, s := range streams {
		if cacheLastEventNumber {
			c.opts.Backend.SetStreamLastEventNumber(s.streamID, backend.Tail(s.lastNumber()))
		}
		if backend.IsMetastream(s.streamID) {
			c.opts.Backend.InvalidateStreamMetadata(backend.OriginalStreamOf(s.streamID))
		}
		if s.streamID == backend.SettingsStream {
			c.refreshSettings(s.prepares[len(s.prepares)-1])
		}
	}

	if err := c.advance(lastIndexed, commitPos); err != nil {
		return err
	}

	slices.SortFunc(indexed, func(a, b indexedEvent) int {
		return cmp.Compare(a.prepare.LogPosition, b.prepare.LogPosition)
	})
	prepares := make([]*tlog.PrepareRecord, len(indexed))
	for i, e := range indexed {
		prepares[i] = e.prepare
	}
	if !c.rebuilding.Load() {
		for i, e := range indexed {
			if c.opts.Filter != nil {
				c.opts.Filter.Add(e.prepare.EventStreamID, e.prepare.LogPosition)
			}
			if c.opts.Publisher != nil {
				c.opts.Publisher.Publish(TopicEventCommitted, EventCommitted{
					CommitPosition: commitPos,
					Event:          e.prepare,
					EventNumber:    e.number,
					TfEof:          isTfEof && i == len(indexed)-1,
				})
			}
		}
	}
	c.tracker.OnIndexed(prepares)
	c.tracker.OnCommit(len(keys), time.Since(start))
	return nil
}

func (c *Committer) advance(lastIndexed, commitPos int64) error {
	if !c.lastCommitPosition.CompareAndSwap(lastIndexed, commitPos) {
		err := fmt.Errorf("%w: expected %d, found %d while committing %d",
			ErrConcurrentCheckpoint, lastIndexed, c.lastCommitPosition.Load(), commitPos)
		c.logger.Error("commit invariant violation", logging.Error(err))
		return err
	}
	return nil
}

func (c *Committer) refreshSettings(p *tlog.PrepareRecord) {
	if !p.Flags.Has(tlog.FlagData) || p.EventType != backend.SettingsEventType {
		return
	}
	settings, err := backend.ParseSystemSettings(p.Data)
	if err != nil {
		c.logger.Warn("ignoring unreadable system settings",
			logging.Position(p.LogPosition), logging.Error(err))
		return
	}
	c.opts.Backend.SetSystemSettings(settings)
	c.logger.Info("system settings updated", logging.Position(p.LogPosition))
}
