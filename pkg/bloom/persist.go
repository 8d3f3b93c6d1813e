package bloom

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// On-disk layout, little endian:
//   [magic(4) | version(1) | reserved(3) | size_bits(8) | hash_count(4)]
//   [words: size_bits/64 rounded up, 8 bytes each]
//   [crc32 of everything above (4)]
const (
	fileMagic      = 0x4d4c4250 // "PBLM"
	fileVersion    = 1
	fileHeaderSize = 20
)

// ErrCorruptFilter is returned when a persisted filter fails validation.
var ErrCorruptFilter = errors.New("corrupt bloom filter")

// MarshalBinary serializes the filter including header and checksum.
func (f *Filter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, fileHeaderSize+8*len(f.words)+4)
	binary.LittleEndian.PutUint32(buf[0:], fileMagic)
	buf[4] = fileVersion
	binary.LittleEndian.PutUint64(buf[8:], f.size)
	binary.LittleEndian.PutUint32(buf[16:], f.hashCount)
	off := fileHeaderSize
	for _, w := range f.words {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf, nil
}

// UnmarshalBinary replaces f with the filter encoded in data.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < fileHeaderSize+4 {
		return fmt.Errorf("%w: %d bytes is too short", ErrCorruptFilter, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != fileMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorruptFilter, magic)
	}
	if data[4] != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptFilter, data[4])
	}
	size := binary.LittleEndian.Uint64(data[8:])
	hashCount := binary.LittleEndian.Uint32(data[16:])
	if size == 0 || size > maxSizeBits || hashCount == 0 || hashCount > maxHashCount {
		return fmt.Errorf("%w: invalid shape size=%d hashes=%d", ErrCorruptFilter, size, hashCount)
	}
	wordCount := (size + 63) / 64
	if uint64(len(data)) != fileHeaderSize+8*wordCount+4 {
		return fmt.Errorf("%w: length %d does not match size %d", ErrCorruptFilter, len(data), size)
	}
	body := len(data) - 4
	if stored, computed := binary.LittleEndian.Uint32(data[body:]), crc32.ChecksumIEEE(data[:body]); stored != computed {
		return fmt.Errorf("%w: crc mismatch stored %08x computed %08x", ErrCorruptFilter, stored, computed)
	}

	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[fileHeaderSize+8*i:])
	}
	f.words = words
	f.size = size
	f.hashCount = hashCount
	return nil
}

// WriteFile persists the filter to path via a temporary file and rename.
func (f *Filter) WriteFile(path string) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create bloom filter file: %w", err)
	}
	w := bufio.NewWriter(file)
	if _, err := w.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// OpenFile loads a filter persisted by WriteFile.
func OpenFile(path string) (*Filter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(bufio.NewReader(file))
	if err != nil {
		return nil, err
	}
	f := &Filter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
