package tlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// Frame format: [BodyLen:4][Type:1][Checksum:4][Body:BodyLen]
// Body is the snappy-compressed record; the checksum covers it.
const (
	frameHeaderSize = 9
	maxBodySize     = 64 << 20
)

func encodeFrame(rec Record) ([]byte, int, error) {
	raw, err := encodeRecord(rec)
	if err != nil {
		return nil, 0, err
	}
	body := snappy.Encode(nil, raw)
	if len(body) > maxBodySize {
		return nil, 0, fmt.Errorf("record of %d bytes exceeds the %d byte limit", len(body), maxBodySize)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(body)))
	frame[4] = byte(rec.Type())
	binary.BigEndian.PutUint32(frame[5:], crc32.ChecksumIEEE(body))
	return append(frame, body...), len(raw), nil
}

// readFrame decodes the frame at pos. It returns io.EOF when pos is at the
// end of the readable log or the frame there is incomplete.
func readFrame(r io.ReaderAt, pos int64) (Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := r.ReadAt(header[:], pos); err != nil {
		return nil, 0, endOfLog(err)
	}
	n := binary.BigEndian.Uint32(header[0:])
	if n > maxBodySize {
		return nil, 0, fmt.Errorf("%w at %d: body length %d", ErrCorruptRecord, pos, n)
	}
	body := make([]byte, n)
	if _, err := r.ReadAt(body, pos+frameHeaderSize); err != nil {
		return nil, 0, endOfLog(err)
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(header[5:]) {
		return nil, 0, fmt.Errorf("%w at %d: checksum mismatch", ErrCorruptRecord, pos)
	}
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w at %d: %v", ErrCorruptRecord, pos, err)
	}
	rec, err := decodeRecord(RecordType(header[4]), raw)
	if err != nil {
		if errors.Is(err, ErrUnknownRecordType) {
			return nil, 0, fmt.Errorf("at %d: %w", pos, err)
		}
		return nil, 0, fmt.Errorf("%w at %d: %v", ErrCorruptRecord, pos, err)
	}
	if rec.Position() != pos {
		return nil, 0, fmt.Errorf("%w at %d: record claims position %d", ErrCorruptRecord, pos, rec.Position())
	}
	return rec, pos + frameHeaderSize + int64(n), nil
}

func endOfLog(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
