package tlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var errShortBody = errors.New("record body is truncated")

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) i64(v int64)  { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }
func (e *encoder) id(v uuid.UUID) {
	e.buf = append(e.buf, v[:]...)
}
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.i64(0)
		return
	}
	e.i64(t.UnixNano())
}
func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = errShortBody
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) i64() int64 {
	if b := d.take(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (d *decoder) id() uuid.UUID {
	var v uuid.UUID
	if b := d.take(16); b != nil {
		copy(v[:], b)
	}
	return v
}

func (d *decoder) time() time.Time {
	n := d.i64()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	b := d.take(int(n))
	if b == nil || n == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) str() string {
	n := d.u32()
	return string(d.take(int(n)))
}

func encodeRecord(rec Record) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 128)}
	switch r := rec.(type) {
	case *PrepareRecord:
		e.i64(r.LogPosition)
		e.u16(uint16(r.Flags))
		e.i64(r.TransactionPosition)
		e.u32(uint32(r.TransactionOffset))
		e.i64(r.ExpectedVersion)
		e.str(r.EventStreamID)
		e.id(r.EventID)
		e.id(r.CorrelationID)
		e.time(r.TimeStamp)
		e.str(r.EventType)
		e.bytes(r.Data)
		e.bytes(r.Metadata)
	case *CommitRecord:
		e.i64(r.LogPosition)
		e.i64(r.TransactionPosition)
		e.i64(r.FirstEventNumber)
		e.i64(r.SortKey)
		e.id(r.CorrelationID)
		e.time(r.TimeStamp)
	case *SystemRecord:
		e.i64(r.LogPosition)
		e.time(r.TimeStamp)
		e.u8(r.Kind)
		e.bytes(r.Data)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRecordType, rec)
	}
	return e.buf, nil
}

func decodeRecord(t RecordType, body []byte) (Record, error) {
	d := &decoder{buf: body}
	var rec Record
	switch t {
	case RecordPrepare:
		rec = &PrepareRecord{
			LogPosition:         d.i64(),
			Flags:               PrepareFlags(d.u16()),
			TransactionPosition: d.i64(),
			TransactionOffset:   int32(d.u32()),
			ExpectedVersion:     d.i64(),
			EventStreamID:       d.str(),
			EventID:             d.id(),
			CorrelationID:       d.id(),
			TimeStamp:           d.time(),
			EventType:           d.str(),
			Data:                d.bytes(),
			Metadata:            d.bytes(),
		}
	case RecordCommit:
		rec = &CommitRecord{
			LogPosition:         d.i64(),
			TransactionPosition: d.i64(),
			FirstEventNumber:    d.i64(),
			SortKey:             d.i64(),
			CorrelationID:       d.id(),
			TimeStamp:           d.time(),
		}
	case RecordSystem:
		rec = &SystemRecord{
			LogPosition: d.i64(),
			TimeStamp:   d.time(),
			Kind:        d.u8(),
			Data:        d.bytes(),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecordType, t)
	}
	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}
