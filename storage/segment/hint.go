package segment

import (
	"bufio"
	"encoding/binary"
	"os"

	"cask/storage/record"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

// Hint file layout, little endian:
//
//	[ magic 4 ][ superseded count 4 ][ superseded ids 8*n ]
//	entries: [ timestamp 8 ][ seq 8 ][ key size 4 ][ value size 4 ][ value offset 8 ][ flags 1 ][ key ]
//	[ xxhash64 of everything above 8 ]
//
// Superseded ids name segments replaced by the compaction that produced this
// segment; recovery deletes them if they are still on disk.
const (
	hintMagic       = 0x43484e54
	hintEntryHeader = 33
	hintTrailerSize = 8
)

type Hint struct {
	Key         []byte
	Timestamp   uint64
	Seq         uint64
	ValueSize   uint32
	ValueOffset int64
	Tombstone   bool
}

type HintFile struct {
	Superseded []uint64
	Hints      []Hint
}

func hintFromRecord(offset int64, rec *record.Record) Hint {
	return Hint{
		Key:         rec.Key,
		Timestamp:   rec.Timestamp,
		Seq:         rec.Seq,
		ValueSize:   uint32(len(rec.Value)),
		ValueOffset: record.ValueOffset(offset, len(rec.Key)),
		Tombstone:   rec.Tombstone,
	}
}

// WriteHints durably writes the hint file for segment id. The file becomes
// visible under its final name only once complete.
func WriteHints(dir string, id uint64, superseded []uint64, hints []Hint) error {
	name := HintName(dir, id)
	tmp := name + tmpExt

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Segment: id, Op: "create hint", Err: err}
	}

	if err := writeHints(f, superseded, hints); err != nil {
		f.Close()
		os.Remove(tmp)
		return &IOError{Segment: id, Op: "write hint", Err: err}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &IOError{Segment: id, Op: "close hint", Err: err}
	}

	if err := fileutil.Replace(tmp, name); err != nil {
		os.Remove(tmp)
		return &IOError{Segment: id, Op: "publish hint", Err: err}
	}

	return nil
}

func writeHints(f *os.File, superseded []uint64, hints []Hint) error {
	digest := xxhash.New()
	w := bufio.NewWriterSize(f, readBufferSize)

	write := func(b []byte) error {
		digest.Write(b)
		_, err := w.Write(b)
		return err
	}

	hdr := make([]byte, 8, 8+8*len(superseded))
	binary.LittleEndian.PutUint32(hdr[0:4], hintMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(superseded)))
	for _, id := range superseded {
		hdr = binary.LittleEndian.AppendUint64(hdr, id)
	}
	if err := write(hdr); err != nil {
		return err
	}

	entry := make([]byte, hintEntryHeader)
	for _, h := range hints {
		binary.LittleEndian.PutUint64(entry[0:8], h.Timestamp)
		binary.LittleEndian.PutUint64(entry[8:16], h.Seq)
		binary.LittleEndian.PutUint32(entry[16:20], uint32(len(h.Key)))
		binary.LittleEndian.PutUint32(entry[20:24], h.ValueSize)
		binary.LittleEndian.PutUint64(entry[24:32], uint64(h.ValueOffset))
		entry[32] = 0
		if h.Tombstone {
			entry[32] = 1
		}

		if err := write(entry); err != nil {
			return err
		}
		if err := write(h.Key); err != nil {
			return err
		}
	}

	trailer := binary.LittleEndian.AppendUint64(nil, digest.Sum64())
	if _, err := w.Write(trailer); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	return fileutil.Fdatasync(f)
}

// ReadHints loads and validates the hint file of segment id.
func ReadHints(dir string, id uint64) (*HintFile, error) {
	b, err := os.ReadFile(HintName(dir, id))
	if os.IsNotExist(err) {
		return nil, ErrNoHint
	}
	if err != nil {
		return nil, &IOError{Segment: id, Op: "read hint", Err: err}
	}

	if len(b) < 8+hintTrailerSize {
		return nil, errors.Wrapf(ErrCorruptHint, "segment %d: %d bytes", id, len(b))
	}

	body, trailer := b[:len(b)-hintTrailerSize], b[len(b)-hintTrailerSize:]
	if sum := xxhash.Sum64(body); sum != binary.LittleEndian.Uint64(trailer) {
		return nil, errors.Wrapf(ErrCorruptHint, "segment %d: checksum mismatch", id)
	}

	if binary.LittleEndian.Uint32(body[0:4]) != hintMagic {
		return nil, errors.Wrapf(ErrCorruptHint, "segment %d: bad magic", id)
	}

	n := int(binary.LittleEndian.Uint32(body[4:8]))
	pos := 8
	if len(body) < pos+8*n {
		return nil, errors.Wrapf(ErrCorruptHint, "segment %d: truncated superseded list", id)
	}

	hf := &HintFile{Superseded: make([]uint64, 0, n)}
	for i := 0; i < n; i++ {
		hf.Superseded = append(hf.Superseded, binary.LittleEndian.Uint64(body[pos:]))
		pos += 8
	}

	for pos < len(body) {
		if len(body)-pos < hintEntryHeader {
			return nil, errors.Wrapf(ErrCorruptHint, "segment %d: truncated entry at %d", id, pos)
		}

		e := body[pos : pos+hintEntryHeader]
		keySize := int(binary.LittleEndian.Uint32(e[16:20]))
		pos += hintEntryHeader

		if keySize > record.MaxKeySize || len(body)-pos < keySize {
			return nil, errors.Wrapf(ErrCorruptHint, "segment %d: bad key size %d", id, keySize)
		}

		hf.Hints = append(hf.Hints, Hint{
			Key:         body[pos : pos+keySize],
			Timestamp:   binary.LittleEndian.Uint64(e[0:8]),
			Seq:         binary.LittleEndian.Uint64(e[8:16]),
			ValueSize:   binary.LittleEndian.Uint32(e[20:24]),
			ValueOffset: int64(binary.LittleEndian.Uint64(e[24:32])),
			Tombstone:   e[32]&1 != 0,
		})
		pos += keySize
	}

	return hf, nil
}

func RemoveHints(dir string, id uint64) error {
	if err := os.Remove(HintName(dir, id)); err != nil && !os.IsNotExist(err) {
		return &IOError{Segment: id, Op: "remove hint", Err: err}
	}
	return nil
}

// Remove deletes both files of a segment that is not open.
func Remove(dir string, id uint64) error {
	if err := os.Remove(DataName(dir, id)); err != nil && !os.IsNotExist(err) {
		return &IOError{Segment: id, Op: "remove", Err: err}
	}
	return RemoveHints(dir, id)
}
