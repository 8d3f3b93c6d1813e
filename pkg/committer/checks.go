package committer

import (
	"context"
	"fmt"
	"slices"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

// isForStream confirms an index entry by reading its prepare, since
// entries of streams with colliding hashes are indistinguishable.
func (c *Committer) isForStream(streamID string) ptable.StreamPredicate {
	return func(ctx context.Context, e index.IndexEntry) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, ok, err := c.reader.TryReadAt(e.Position)
		if err != nil || !ok {
			return false, err
		}
		p, isPrepare := rec.(*tlog.PrepareRecord)
		return isPrepare && p.EventStreamID == streamID, nil
	}
}

func (c *Committer) violation(err error, s streamCommit) error {
	c.logger.Error("commit invariant violation",
		logging.Stream(s.streamID), logging.Position(s.prepares[0].LogPosition), logging.Error(err))
	return err
}

// checkStreamVersion verifies the commit continues the stream: its first
// event number is one past the last indexed one and the rest follow on.
func (c *Committer) checkStreamVersion(ctx context.Context, s streamCommit) error {
	last, ok, err := c.opts.TableIndex.TryGetLatestEntryBefore(ctx, s.streamID, s.prepares[0].LogPosition, c.isForStream(s.streamID))
	if err != nil {
		return err
	}
	expected := int64(0)
	if ok {
		if last.Version == tlog.EventNumberDeletedStream {
			return c.violation(fmt.Errorf("%w: stream %q is deleted but got event at %d",
				ErrCommitInvariantViolation, s.streamID, s.prepares[0].LogPosition), s)
		}
		expected = last.Version + 1
	}
	for i, n := range s.numbers {
		if n == tlog.EventNumberDeletedStream {
			continue
		}
		if n != expected {
			return c.violation(fmt.Errorf("%w: stream %q expected event number %d, got %d at %d",
				ErrCommitInvariantViolation, s.streamID, expected, n, s.prepares[i].LogPosition), s)
		}
		expected++
	}
	return nil
}

// checkDuplicateEvents verifies none of the commit's event numbers is
// already indexed for the stream.
func (c *Committer) checkDuplicateEvents(ctx context.Context, s streamCommit) error {
	numbers := slices.DeleteFunc(slices.Clone(s.numbers), func(n int64) bool { return n == tlog.EventNumberDeletedStream })
	if len(numbers) == 0 {
		return nil
	}
	from, to := slices.Min(numbers), slices.Max(numbers)
	entries, err := c.opts.TableIndex.GetRange(s.streamID, from, to, 0)
	if err != nil {
		return err
	}
	isFor := c.isForStream(s.streamID)
	for _, e := range entries {
		if !slices.Contains(numbers, e.Version) {
			continue
		}
		ok, err := isFor(ctx, e)
		if err != nil {
			return err
		}
		if ok {
			return c.violation(fmt.Errorf("%w: stream %q event %d already indexed at %d",
				ErrDuplicateEvent, s.streamID, e.Version, e.Position), s)
		}
	}
	return nil
}
