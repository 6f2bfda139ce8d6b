// Package storage is a log-structured key/value engine. Every write is
// appended to the active segment and indexed by an in-memory key directory;
// compaction rewrites immutable segments to reclaim overwritten and deleted
// records.
package storage

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cask/config"
	"cask/storage/flusher"
	"cask/storage/keydir"
	"cask/storage/record"
	"cask/storage/segment"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

const (
	lockFileName    = "LOCK"
	maxReadAttempts = 8
)

type Engine struct {
	logger  log.Logger
	dir     string
	opts    config.Options
	metrics *EngineMetrics
	lock    fileutil.Releaser

	keydir   *keydir.KeyDir
	segments atomic.Pointer[segmentSet]
	// setMutex serializes publication of new segment sets by the writer
	// and the compactor.
	setMutex sync.Mutex

	writeMutex sync.Mutex
	nextSeq    uint64
	nextID     atomic.Uint64
	ops        atomic.Uint64

	pool      *BytesPool
	flusher   *flusher.Flusher
	compactor *Compactor
	closed    atomic.Bool
}

type Stats struct {
	Keys          int
	Segments      int
	ActiveSegment uint64
	DiskBytes     int64
	LiveBytes     int64
}

// Open validates opts, locks dir and rebuilds the key directory from the
// segments found there.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts config.Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	lock, existed, err := fileutil.Flock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, errors.Wrapf(ErrLocked, "%s: %v", dir, err)
	}

	if existed {
		level.Warn(logger).Log("msg", "lock file from a previous run found, engine was not closed cleanly", "dir", dir)
	}

	e := &Engine{
		logger: logger,
		dir:    dir,
		opts:   opts,
		lock:   lock,
		keydir: keydir.New(),
		pool:   NewBytesPool(),
	}

	var engineRegisterer prometheus.Registerer
	if registerer != nil {
		engineRegisterer = prometheus.WrapRegistererWithPrefix("storage_engine_", registerer)
	}
	e.metrics = NewEngineMetrics(engineRegisterer, func() float64 {
		return float64(e.keydir.Len())
	})

	now := time.Now()
	if err := e.recover(); err != nil {
		lock.Release()
		os.Remove(filepath.Join(dir, lockFileName))
		return nil, errors.Wrap(err, "recover")
	}

	set := e.segments.Load()
	e.metrics.segments.Set(float64(set.len()))

	e.flusher = flusher.New(logger, registerer, opts.SyncStrategy, opts.SyncInterval, e.activeTarget)
	e.flusher.Run()

	e.compactor = NewCompactor(logger, e)
	e.compactor.Run()

	level.Info(logger).Log(
		"msg", "engine opened",
		"dir", dir,
		"segments", set.len(),
		"active", set.active.ID(),
		"keys", e.keydir.Len(),
		"sync", opts.SyncStrategy,
		"compactionTrigger", opts.CompactionTrigger,
		"duration", time.Since(now),
	)

	return e, nil
}

func (e *Engine) activeTarget() flusher.Target {
	return e.segments.Load().active
}

func (e *Engine) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if len(value) > record.MaxValueSize {
		return errors.Wrapf(ErrValueTooLarge, "%d bytes", len(value))
	}

	if _, err := e.write(key, value, false); err != nil {
		return err
	}

	e.metrics.puts.Inc()

	return nil
}

// Delete writes a tombstone for key. Deleting an absent key is a no-op.
func (e *Engine) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	written, err := e.write(key, nil, true)
	if err != nil {
		return err
	}

	if written {
		e.metrics.deletes.Inc()
	}

	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	if len(key) > record.MaxKeySize {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes", len(key))
	}

	return nil
}

// write appends one record and indexes it. It reports whether a record was
// appended, which is not the case for a tombstone of an absent key.
func (e *Engine) write(key, value []byte, tombstone bool) (bool, error) {
	e.writeMutex.Lock()
	defer e.writeMutex.Unlock()

	if e.closed.Load() {
		return false, ErrClosed
	}

	if tombstone {
		if cur, ok := e.keydir.Lookup(key); !ok || cur.Tombstone {
			return false, nil
		}
	}

	rec := &record.Record{
		Timestamp: uint64(time.Now().UnixNano()),
		Seq:       e.nextSeq,
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}

	active := e.segments.Load().active

	buf := e.pool.GetBytes()
	*buf = record.AppendEncode(*buf, rec)
	offset, err := active.Append(*buf)
	e.pool.PutBytes(buf)

	if err != nil {
		e.metrics.writesFailed.Inc()
		return false, err
	}

	if err := e.flusher.AfterAppend(active); err != nil {
		e.metrics.writesFailed.Inc()
		if terr := active.Truncate(offset); terr != nil {
			level.Error(e.logger).Log("msg", "unable to drop unsynced record", "segment", active.ID(), "err", terr)
		}
		return false, err
	}

	e.nextSeq++
	active.Observe(rec.Seq)

	e.keydir.Upsert(key, keydir.Entry{
		SegmentID:   active.ID(),
		ValueOffset: record.ValueOffset(offset, len(key)),
		ValueSize:   uint32(len(value)),
		Seq:         rec.Seq,
		Timestamp:   rec.Timestamp,
		Tombstone:   tombstone,
	})

	if e.opts.CompactionTrigger == config.TriggerOperations && e.ops.Add(1)%e.opts.CompactionOperations == 0 {
		e.compactor.Notify()
	}

	return true, e.rotateIfFull(active)
}

// rotateIfFull seals the active segment once it reaches the size limit and
// starts the next one. Must be called with writeMutex held.
func (e *Engine) rotateIfFull(active *segment.Segment) error {
	if !active.Full(e.opts.MaxFileSize) {
		return nil
	}

	id := e.nextID.Add(1) - 1

	next, err := segment.Create(e.dir, id)
	if err != nil {
		e.metrics.rotationFails.Inc()
		return &RotationError{Next: id, Err: err}
	}

	if err := e.flusher.Flush(active); err != nil {
		e.metrics.rotationFails.Inc()
		next.Close()
		segment.Remove(e.dir, id)
		return &RotationError{Next: id, Err: err}
	}

	if err := active.Seal(); err != nil {
		e.metrics.rotationFails.Inc()
		next.Close()
		segment.Remove(e.dir, id)
		return &RotationError{Next: id, Err: err}
	}

	e.setMutex.Lock()
	set := e.segments.Load().rotate(next)
	e.segments.Store(set)
	e.setMutex.Unlock()

	e.metrics.rotations.Inc()
	e.metrics.segments.Set(float64(set.len()))

	level.Debug(e.logger).Log("msg", "segment rotated", "sealed", active.ID(), "size", active.Size(), "active", id)

	if e.opts.HintFiles {
		e.flusher.Enqueue(func() {
			e.writeHints(active)
		})
	}

	return nil
}

func (e *Engine) writeHints(seg *segment.Segment) {
	if !seg.Acquire() {
		return
	}
	defer seg.Release()

	if seg.State() == segment.Obsolete {
		return
	}

	hints, err := seg.BuildHints()
	if err == nil {
		err = segment.WriteHints(e.dir, seg.ID(), nil, hints)
	}

	if err != nil {
		level.Error(e.logger).Log("msg", "error writing hint file", "segment", seg.ID(), "err", err)
	}
}

// Get returns the newest value of key, ErrKeyNotFound when the key is absent
// or deleted, or ErrCorruptRecord when the stored record fails verification.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.metrics.gets.Inc()

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		entry, ok := e.keydir.Lookup(key)
		if !ok || entry.Tombstone {
			e.metrics.misses.Inc()
			return nil, ErrKeyNotFound
		}

		// The segment may have been retired by a compaction that moved this
		// key after the lookup; the directory then already points elsewhere.
		seg := e.segments.Load().get(entry.SegmentID)
		if seg == nil || !seg.Acquire() {
			if e.closed.Load() {
				return nil, ErrClosed
			}
			continue
		}

		rec, err := readRecord(seg, key, entry)
		if rerr := seg.Release(); rerr != nil {
			level.Error(e.logger).Log("msg", "error releasing segment", "segment", seg.ID(), "err", rerr)
		}

		if err != nil {
			if errors.Is(err, ErrCorruptRecord) {
				e.metrics.corruptReads.Inc()
			}
			return nil, err
		}

		return bytes.Clone(rec.Value), nil
	}

	return nil, errors.Errorf("key %q moved between segments %d times during read", key, maxReadAttempts)
}

// readRecord reads and verifies the record entry points at.
func readRecord(seg *segment.Segment, key []byte, entry keydir.Entry) (*record.Record, error) {
	offset := entry.RecordOffset(key)

	b, err := seg.ReadAt(offset, int(entry.RecordSize(key)))
	if err != nil {
		return nil, err
	}

	rec, err := record.Decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %d offset %d", seg.ID(), offset)
	}

	if rec.Seq != entry.Seq || !bytes.Equal(rec.Key, key) {
		return nil, errors.Wrapf(record.ErrCorrupt, "segment %d offset %d holds seq %d, expected seq %d", seg.ID(), offset, rec.Seq, entry.Seq)
	}

	return rec, nil
}

// Compact runs one compaction cycle over every immutable segment,
// regardless of the garbage ratio.
func (e *Engine) Compact() error {
	_, err := e.compactor.Compact()
	return err
}

func (e *Engine) Stats() Stats {
	set := e.segments.Load()

	stats := Stats{
		Keys:          e.keydir.Len(),
		Segments:      set.len(),
		ActiveSegment: set.active.ID(),
	}

	for _, seg := range set.all() {
		stats.DiskBytes += seg.Size()
	}

	for _, n := range e.keydir.LiveBytes(math.MaxUint64) {
		stats.LiveBytes += n
	}

	return stats
}

// Close stops background work, seals the active segment with a hint file and
// releases every file handle and the directory lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.compactor.Stop()

	e.writeMutex.Lock()
	defer e.writeMutex.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	active := e.segments.Load().active
	keep(e.flusher.Flush(active))
	keep(active.Seal())

	if e.opts.HintFiles {
		hints, err := active.BuildHints()
		if err == nil {
			err = segment.WriteHints(e.dir, active.ID(), nil, hints)
		}
		keep(err)
	}

	e.flusher.Stop()

	for _, seg := range e.segments.Load().all() {
		keep(seg.Close())
	}

	keep(e.lock.Release())
	keep(os.Remove(filepath.Join(e.dir, lockFileName)))

	level.Info(e.logger).Log("msg", "engine closed", "dir", e.dir, "err", firstErr)

	return firstErr
}
