package committer

import (
	"errors"

	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

var (
	// ErrCommitInvariantViolation means a committed event number does not
	// follow the stream's last indexed event number.
	ErrCommitInvariantViolation = errors.New("commit invariant violation")
	// ErrDuplicateEvent means the index already held an entry the commit
	// was about to add.
	ErrDuplicateEvent = errors.New("duplicate event in index")
	// ErrConcurrentCheckpoint means the indexed position moved while a
	// commit was being applied.
	ErrConcurrentCheckpoint = errors.New("index checkpoint changed during commit")
	// ErrStreamMismatch means prepares sharing a stream index name
	// different streams.
	ErrStreamMismatch = errors.New("prepares in one stream slot name different streams")
	// ErrInvalidBuildPosition means the index is already at or beyond the
	// position it was asked to build to.
	ErrInvalidBuildPosition = errors.New("index checkpoint is at or beyond the build position")
	// ErrUnexpectedEndOfLog means a transaction's prepares could not be read
	// back before its commit.
	ErrUnexpectedEndOfLog = errors.New("unexpected end of transaction log")
	// ErrUnknownRecordType is returned for records the committer cannot
	// interpret.
	ErrUnknownRecordType = tlog.ErrUnknownRecordType
)
