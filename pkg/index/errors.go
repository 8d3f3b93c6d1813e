package index

import (
	"errors"
	"fmt"
)

// Causes nested inside CorruptIndexError, plus lifecycle errors.
var (
	ErrUnsupportedVersion = errors.New("unsupported index file version")
	ErrHashMismatch       = errors.New("index file hash mismatch")
	ErrInvalidFile        = errors.New("invalid index file")
	ErrFileBeingDeleted   = errors.New("index file is being deleted")
	ErrDisposalTimeout    = errors.New("timed out waiting for index file disposal")
)

// CorruptIndexError reports a malformed index file. It is fatal and
// requires an index rebuild.
type CorruptIndexError struct {
	File  string
	Cause error
}

// Error implements error.
func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index file %s: %v", e.File, e.Cause)
}

// Unwrap returns the cause so errors.Is matches the sentinels.
func (e *CorruptIndexError) Unwrap() error { return e.Cause }

// NewCorruptIndexError wraps cause with a formatted detail message.
func NewCorruptIndexError(file string, cause error, format string, args ...any) *CorruptIndexError {
	if format != "" {
		cause = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), cause)
	}
	return &CorruptIndexError{File: file, Cause: cause}
}

// MaybeCorruptIndexError reports a key-ordering invariant that failed
// during a query. The table cannot be trusted to answer correctly.
type MaybeCorruptIndexError struct {
	File    string
	Stream  uint64
	Version int64
	Detail  string
}

// Error implements error.
func (e *MaybeCorruptIndexError) Error() string {
	return fmt.Sprintf("index file %s may be corrupt (stream %#x, version %d): %s",
		e.File, e.Stream, e.Version, e.Detail)
}

// IsCorruption reports whether err signals an untrustworthy index file.
func IsCorruption(err error) bool {
	var corrupt *CorruptIndexError
	var maybe *MaybeCorruptIndexError
	return errors.As(err, &corrupt) || errors.As(err, &maybe)
}
