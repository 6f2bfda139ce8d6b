package record

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Record layout, little endian:
// [ crc 4 ][ timestamp 8 ][ seq 8 ][ key size 4 ][ value size 4 ][ flags 1 ][ key ][ value ]
// The checksum covers everything after itself.
const (
	HeaderSize = 29

	MaxKeySize   = 1 << 20
	MaxValueSize = 1 << 30

	flagTombstone = 1 << 0
	flagMask      = flagTombstone
)

var ErrCorrupt = errors.New("corrupt record")

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

type Record struct {
	Timestamp uint64
	Seq       uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

type Header struct {
	Checksum  uint32
	Timestamp uint64
	Seq       uint64
	KeySize   uint32
	ValueSize uint32
	Tombstone bool
}

func (h Header) Size() int64 {
	return Size(int(h.KeySize), int(h.ValueSize))
}

func (r *Record) Size() int64 {
	return Size(len(r.Key), len(r.Value))
}

// Size returns the encoded length of a record.
func Size(keyLen, valueLen int) int64 {
	return int64(HeaderSize + keyLen + valueLen)
}

// ValueOffset translates the start of a record into the position of its value.
func ValueOffset(recordOffset int64, keyLen int) int64 {
	return recordOffset + HeaderSize + int64(keyLen)
}

func RecordOffset(valueOffset int64, keyLen int) int64 {
	return valueOffset - HeaderSize - int64(keyLen)
}

func Encode(r *Record) []byte {
	return AppendEncode(make([]byte, 0, r.Size()), r)
}

// AppendEncode appends the encoded record to dst and returns the extended slice.
func AppendEncode(dst []byte, r *Record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	hdr := dst[start : start+HeaderSize]

	var flags byte
	value := r.Value
	if r.Tombstone {
		flags |= flagTombstone
		value = nil
	}

	binary.LittleEndian.PutUint64(hdr[4:12], r.Timestamp)
	binary.LittleEndian.PutUint64(hdr[12:20], r.Seq)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(value)))
	hdr[28] = flags

	dst = append(dst, r.Key...)
	dst = append(dst, value...)

	crc := crc32.Checksum(dst[start+4:], castagnoliTable)
	binary.LittleEndian.PutUint32(dst[start:start+4], crc)

	return dst
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrCorrupt, "short header: %d bytes", len(b))
	}

	flags := b[28]
	h := Header{
		Checksum:  binary.LittleEndian.Uint32(b[0:4]),
		Timestamp: binary.LittleEndian.Uint64(b[4:12]),
		Seq:       binary.LittleEndian.Uint64(b[12:20]),
		KeySize:   binary.LittleEndian.Uint32(b[20:24]),
		ValueSize: binary.LittleEndian.Uint32(b[24:28]),
		Tombstone: flags&flagTombstone != 0,
	}

	switch {
	case flags&^flagMask != 0:
		return h, errors.Wrapf(ErrCorrupt, "unknown flags %#x", flags)
	case h.KeySize > MaxKeySize:
		return h, errors.Wrapf(ErrCorrupt, "key size %d exceeds limit", h.KeySize)
	case h.ValueSize > MaxValueSize:
		return h, errors.Wrapf(ErrCorrupt, "value size %d exceeds limit", h.ValueSize)
	case h.Tombstone && h.ValueSize != 0:
		return h, errors.Wrapf(ErrCorrupt, "tombstone with value size %d", h.ValueSize)
	}

	return h, nil
}

// Decode parses exactly one record from b and verifies its checksum.
// The returned key and value alias b.
func Decode(b []byte) (*Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}

	if int64(len(b)) != h.Size() {
		return nil, errors.Wrapf(ErrCorrupt, "record length %d, header says %d", len(b), h.Size())
	}

	if c := crc32.Checksum(b[4:], castagnoliTable); c != h.Checksum {
		return nil, errors.Wrapf(ErrCorrupt, "invalid checksum: expected %d, got %d", h.Checksum, c)
	}

	keyEnd := HeaderSize + int(h.KeySize)
	rec := &Record{
		Timestamp: h.Timestamp,
		Seq:       h.Seq,
		Key:       b[HeaderSize:keyEnd],
		Tombstone: h.Tombstone,
	}
	if !h.Tombstone {
		rec.Value = b[keyEnd:]
	}

	return rec, nil
}

// ReadFrom reads the next record from r. limit is the number of bytes left in
// the underlying segment and guards against allocating for garbage headers.
// A clean end of stream returns io.EOF; a partial record is reported as corrupt.
func ReadFrom(r *bufio.Reader, limit int64) (*Record, int64, error) {
	if limit == 0 {
		return nil, 0, io.EOF
	}

	hdr, err := r.Peek(HeaderSize)
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, errors.Wrap(ErrCorrupt, "torn record header")
	}

	h, err := DecodeHeader(hdr)
	if err != nil {
		return nil, 0, err
	}

	size := h.Size()
	if size > limit {
		return nil, 0, errors.Wrapf(ErrCorrupt, "record of %d bytes overruns segment (%d left)", size, limit)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, errors.Wrap(ErrCorrupt, "torn record body")
	}

	rec, err := Decode(buf)
	if err != nil {
		return nil, 0, err
	}

	return rec, size, nil
}
