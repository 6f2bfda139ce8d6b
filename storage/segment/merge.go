package segment

import (
	"bufio"
	"math"
	"os"

	"cask/storage/record"

	"github.com/prometheus/prometheus/tsdb/fileutil"
)

// MergeWriter builds a compacted segment under a temporary name. Nothing it
// writes is visible to recovery until Commit renames it into place.
type MergeWriter struct {
	id     uint64
	dir    string
	file   *os.File
	writer *bufio.Writer
	buf    []byte
	size   int64
	hints  []Hint
	minSeq uint64
	maxSeq uint64
}

func CreateMerge(dir string, id uint64) (*MergeWriter, error) {
	f, err := os.OpenFile(MergeName(dir, id), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &IOError{Segment: id, Op: "create merge", Err: err}
	}

	return &MergeWriter{
		id:     id,
		dir:    dir,
		file:   f,
		writer: bufio.NewWriterSize(f, readBufferSize),
		minSeq: math.MaxUint64,
	}, nil
}

func (w *MergeWriter) ID() uint64 {
	return w.id
}

func (w *MergeWriter) Size() int64 {
	return w.size
}

// Write appends rec unchanged, sequence number included, and returns the
// offset of its value in the new segment.
func (w *MergeWriter) Write(rec *record.Record) (int64, error) {
	w.buf = record.AppendEncode(w.buf[:0], rec)

	if _, err := w.writer.Write(w.buf); err != nil {
		return 0, &IOError{Segment: w.id, Op: "write merge", Err: err}
	}

	offset := w.size
	w.size += int64(len(w.buf))
	w.hints = append(w.hints, hintFromRecord(offset, rec))
	w.minSeq = min(w.minSeq, rec.Seq)
	w.maxSeq = max(w.maxSeq, rec.Seq)

	return record.ValueOffset(offset, len(rec.Key)), nil
}

// Commit makes the merged segment durable and publishes it. The hint file,
// carrying the superseded ids, is written before the data file is renamed
// into place, so a visible merged segment always knows what it replaced.
func (w *MergeWriter) Commit(superseded []uint64) (*Segment, error) {
	if err := w.writer.Flush(); err != nil {
		w.Abort()
		return nil, &IOError{Segment: w.id, Op: "flush merge", Err: err}
	}

	if err := fileutil.Fdatasync(w.file); err != nil {
		w.Abort()
		return nil, &IOError{Segment: w.id, Op: "sync merge", Err: err}
	}

	if err := w.file.Close(); err != nil {
		w.Abort()
		return nil, &IOError{Segment: w.id, Op: "close merge", Err: err}
	}

	if err := WriteHints(w.dir, w.id, superseded, w.hints); err != nil {
		w.Abort()
		return nil, err
	}

	if err := fileutil.Replace(MergeName(w.dir, w.id), DataName(w.dir, w.id)); err != nil {
		w.Abort()
		RemoveHints(w.dir, w.id)
		return nil, &IOError{Segment: w.id, Op: "publish merge", Err: err}
	}

	s, err := Open(w.dir, w.id)
	if err != nil {
		return nil, err
	}

	if w.minSeq != math.MaxUint64 {
		s.Observe(w.minSeq)
		s.Observe(w.maxSeq)
	}

	return s, nil
}

// Abort discards the merge output.
func (w *MergeWriter) Abort() {
	w.file.Close()
	os.Remove(MergeName(w.dir, w.id))
}
