package segment

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"cask/storage/record"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const readBufferSize = 64 * 1024

var (
	ErrNotActive   = errors.New("segment is not active")
	ErrOutOfRange  = errors.New("read beyond segment end")
	ErrReleased    = errors.New("segment released")
	ErrCorruptHint = errors.New("corrupt hint file")
	ErrNoHint      = errors.New("hint file not found")
)

type State int32

const (
	Active State = iota
	Immutable
	Merging
	Obsolete
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Immutable:
		return "immutable"
	case Merging:
		return "merging"
	case Obsolete:
		return "obsolete"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IOError reports a filesystem failure on a segment.
type IOError struct {
	Segment uint64
	Op      string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("segment %d: %s: %v", e.Segment, e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Segment is one append-only data file. The owner holds a single reference;
// readers take extra ones with Acquire. The file handle is closed, and for a
// retired segment the files are unlinked, once the last reference is released.
type Segment struct {
	id   uint64
	dir  string
	file *os.File

	size   atomic.Int64
	synced atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
	state  atomic.Int32
	refs   atomic.Int64
}

// Create makes a new empty active segment.
func Create(dir string, id uint64) (*Segment, error) {
	f, err := os.OpenFile(DataName(dir, id), os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &IOError{Segment: id, Op: "create", Err: err}
	}

	s := newSegment(dir, id, f, 0)
	s.state.Store(int32(Active))

	return s, nil
}

// Open opens an existing segment in the immutable state.
func Open(dir string, id uint64) (*Segment, error) {
	f, err := os.OpenFile(DataName(dir, id), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &IOError{Segment: id, Op: "open", Err: err}
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Segment: id, Op: "stat", Err: err}
	}

	return newSegment(dir, id, f, stat.Size()), nil
}

func newSegment(dir string, id uint64, f *os.File, size int64) *Segment {
	s := &Segment{
		id:   id,
		dir:  dir,
		file: f,
	}

	s.size.Store(size)
	s.synced.Store(size)
	s.minSeq.Store(math.MaxUint64)
	s.state.Store(int32(Immutable))
	s.refs.Store(1)

	return s
}

func (s *Segment) ID() uint64 {
	return s.id
}

func (s *Segment) Dir() string {
	return s.dir
}

func (s *Segment) Size() int64 {
	return s.size.Load()
}

func (s *Segment) State() State {
	return State(s.state.Load())
}

func (s *Segment) SetState(state State) {
	s.state.Store(int32(state))
}

// Full reports whether the segment reached the rotation threshold.
func (s *Segment) Full(maxFileSize int64) bool {
	return s.Size() >= maxFileSize
}

func (s *Segment) Dirty() bool {
	return s.synced.Load() < s.size.Load()
}

// Observe records a sequence number stored in this segment.
func (s *Segment) Observe(seq uint64) {
	for {
		cur := s.minSeq.Load()
		if seq >= cur || s.minSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
	for {
		cur := s.maxSeq.Load()
		if seq <= cur || s.maxSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
}

// MinSeq returns the smallest sequence number stored, math.MaxUint64 when empty.
func (s *Segment) MinSeq() uint64 {
	return s.minSeq.Load()
}

func (s *Segment) MaxSeq() uint64 {
	return s.maxSeq.Load()
}

// Append writes b at the end of the segment and returns its offset. A failed
// write never leaves a partial record behind: the file is cut back to the
// previous end before the error is returned.
func (s *Segment) Append(b []byte) (int64, error) {
	if s.State() != Active {
		return 0, ErrNotActive
	}

	offset := s.size.Load()

	n, err := s.file.Write(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}

	if err != nil {
		if terr := s.file.Truncate(offset); terr != nil {
			err = errors.Wrapf(err, "truncate to %d failed (%v)", offset, terr)
		}
		return 0, &IOError{Segment: s.id, Op: "append", Err: err}
	}

	s.size.Add(int64(n))

	return offset, nil
}

// ReadAt reads size bytes at offset. Only offsets below the indexed size are
// readable, so reads never observe a record that is still being appended.
func (s *Segment) ReadAt(offset int64, size int) ([]byte, error) {
	if offset < 0 || offset+int64(size) > s.size.Load() {
		return nil, errors.Wrapf(ErrOutOfRange, "segment %d: offset %d size %d", s.id, offset, size)
	}

	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, &IOError{Segment: s.id, Op: "read", Err: err}
	}

	return buf, nil
}

func (s *Segment) Sync() error {
	size := s.size.Load()
	if s.synced.Load() >= size {
		return nil
	}

	if err := fileutil.Fdatasync(s.file); err != nil {
		return &IOError{Segment: s.id, Op: "sync", Err: err}
	}

	s.synced.Store(size)

	return nil
}

// Activate reopens a closed segment for appends.
func (s *Segment) Activate() {
	s.state.Store(int32(Active))
}

// Seal flushes the segment and makes it immutable.
func (s *Segment) Seal() error {
	if err := s.Sync(); err != nil {
		return err
	}

	s.state.CompareAndSwap(int32(Active), int32(Immutable))

	return nil
}

// Truncate cuts a torn tail found during replay.
func (s *Segment) Truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return &IOError{Segment: s.id, Op: "truncate", Err: err}
	}

	s.size.Store(size)
	s.synced.Store(size)

	return nil
}

// Scan replays every record in order. It stops at the first corrupt record
// and returns the length of the well-formed prefix along with a
// *wlog.CorruptionErr describing where the tear was found.
func (s *Segment) Scan(fn func(offset int64, rec *record.Record) error) (int64, error) {
	size := s.size.Load()
	reader := bufio.NewReaderSize(io.NewSectionReader(s.file, 0, size), readBufferSize)

	var offset int64
	for {
		rec, n, err := record.ReadFrom(reader, size-offset)
		if err == io.EOF {
			return offset, nil
		}

		if err != nil {
			return offset, &wlog.CorruptionErr{
				Segment: int(s.id),
				Offset:  offset,
				Err:     err,
			}
		}

		if err := fn(offset, rec); err != nil {
			return offset, err
		}

		offset += n
	}
}

// BuildHints replays the segment's own records into hint entries.
func (s *Segment) BuildHints() ([]Hint, error) {
	var hints []Hint

	_, err := s.Scan(func(offset int64, rec *record.Record) error {
		hints = append(hints, hintFromRecord(offset, rec))
		return nil
	})

	return hints, err
}

// Acquire takes a reader reference. It fails once the segment was released.
func (s *Segment) Acquire() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}

		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (s *Segment) Release() error {
	refs := s.refs.Add(-1)

	switch {
	case refs > 0:
		return nil
	case refs < 0:
		return errors.Wrapf(ErrReleased, "segment %d", s.id)
	}

	return s.destroy()
}

// Retire marks the segment obsolete and drops the owner reference. Its files
// are deleted after the last in-flight reader releases it.
func (s *Segment) Retire() error {
	s.state.Store(int32(Obsolete))
	return s.Release()
}

// Close drops the owner reference without deleting anything.
func (s *Segment) Close() error {
	return s.Release()
}

func (s *Segment) destroy() error {
	err := s.file.Close()
	if err != nil {
		err = &IOError{Segment: s.id, Op: "close", Err: err}
	}

	if s.State() != Obsolete {
		return err
	}

	for _, name := range []string{DataName(s.dir, s.id), HintName(s.dir, s.id)} {
		if rerr := os.Remove(name); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = &IOError{Segment: s.id, Op: "remove", Err: rerr}
		}
	}

	return err
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment(%d, %s, %d bytes)", s.id, s.State(), s.Size())
}
