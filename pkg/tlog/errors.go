package tlog

import "errors"

var (
	// ErrCorruptRecord is returned for a frame that fails its checksum or
	// cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrUnknownRecordType is returned for a frame with an unknown type tag.
	ErrUnknownRecordType = errors.New("unknown log record type")
	// ErrClosed is returned by a closed writer.
	ErrClosed = errors.New("transaction log is closed")
)
