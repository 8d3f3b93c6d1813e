// Package tlog is the append-only transaction log the index is built
// from. Records are addressed by their byte offset, the log position.
package tlog

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// RecordType tags each frame.
type RecordType uint8

const (
	RecordPrepare RecordType = 0
	RecordCommit  RecordType = 1
	RecordSystem  RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordSystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PrepareFlags describe a prepare record.
type PrepareFlags uint16

const (
	FlagData             PrepareFlags = 0x01
	FlagTransactionBegin PrepareFlags = 0x02
	FlagTransactionEnd   PrepareFlags = 0x04
	FlagStreamDelete     PrepareFlags = 0x08
	// FlagIsCommitted marks a prepare that needs no commit record: it is
	// part of a batch committed by its final TransactionEnd prepare.
	FlagIsCommitted PrepareFlags = 0x20
	FlagIsJSON      PrepareFlags = 0x100

	// SingleWrite is an implicit one-event transaction.
	SingleWrite = FlagData | FlagTransactionBegin | FlagTransactionEnd
)

// Has reports whether all bits of f are set.
func (p PrepareFlags) Has(f PrepareFlags) bool { return p&f == f }

// Event number sentinels.
const (
	// EventNumberDeletedStream is assigned to the tombstone of a deleted stream.
	EventNumberDeletedStream int64 = math.MaxInt64
	// EventNumberInvalid is returned when no event number applies.
	EventNumberInvalid int64 = math.MinInt64
	// ExpectedVersionNoStream means the stream had no events before the write.
	ExpectedVersionNoStream int64 = -1
	// ExpectedVersionAny skips the expected version check.
	ExpectedVersionAny int64 = -2
)

// SelfTransaction makes the writer use the record's own position as its
// transaction position.
const SelfTransaction int64 = -1

// Record is any log record.
type Record interface {
	Type() RecordType
	Position() int64
}

// PrepareRecord proposes one event.
type PrepareRecord struct {
	LogPosition         int64
	Flags               PrepareFlags
	TransactionPosition int64
	TransactionOffset   int32
	ExpectedVersion     int64
	EventStreamID       string
	EventID             uuid.UUID
	CorrelationID       uuid.UUID
	TimeStamp           time.Time
	EventType           string
	Data                []byte
	Metadata            []byte
}

func (p *PrepareRecord) Type() RecordType { return RecordPrepare }
func (p *PrepareRecord) Position() int64  { return p.LogPosition }

func (p *PrepareRecord) String() string {
	return fmt.Sprintf("prepare@%d stream=%q type=%q flags=%#x tx=%d+%d",
		p.LogPosition, p.EventStreamID, p.EventType, uint16(p.Flags), p.TransactionPosition, p.TransactionOffset)
}

// CommitRecord commits the prepares of one explicit transaction.
type CommitRecord struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	SortKey             int64
	CorrelationID       uuid.UUID
	TimeStamp           time.Time
}

func (c *CommitRecord) Type() RecordType { return RecordCommit }
func (c *CommitRecord) Position() int64  { return c.LogPosition }

func (c *CommitRecord) String() string {
	return fmt.Sprintf("commit@%d tx=%d first=%d", c.LogPosition, c.TransactionPosition, c.FirstEventNumber)
}

// SystemRecord carries log housekeeping such as epochs. The index skips it.
type SystemRecord struct {
	LogPosition int64
	TimeStamp   time.Time
	Kind        uint8
	Data        []byte
}

func (s *SystemRecord) Type() RecordType { return RecordSystem }
func (s *SystemRecord) Position() int64  { return s.LogPosition }
