package committer

import "github.com/dd0wney/cluso-eventindex/pkg/tlog"

// Topics the committer publishes on.
const (
	TopicEventCommitted         = "index.event-committed"
	TopicTfEofAtNonCommitRecord = "index.tf-eof-at-non-commit-record"
)

// EventCommitted announces one newly indexed event. TfEof is set on the
// last event of a commit that ended at the end of the log.
type EventCommitted struct {
	CommitPosition int64
	Event          *tlog.PrepareRecord
	EventNumber    int64
	TfEof          bool
}

// TfEofAtNonCommitRecord announces that the rebuild reached the end of the
// log on a record that was not a commit.
type TfEofAtNonCommitRecord struct{}
