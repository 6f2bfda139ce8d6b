package storage

import (
	"math"
	"sync"
	"time"

	"cask/config"
	"cask/storage/keydir"
	"cask/storage/record"
	"cask/storage/segment"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// CompactionResult describes one finished compaction cycle.
type CompactionResult struct {
	Inputs            []uint64
	Output            uint64
	Moved             int
	DroppedTombstones int
	ReclaimedBytes    int64
}

// Compactor merges immutable segments into one segment holding only the
// records the key directory still points at.
type Compactor struct {
	logger log.Logger
	engine *Engine

	// mutex allows a single cycle at a time.
	mutex   sync.Mutex
	trigger chan struct{}
	stopc   chan chan struct{}

	runMutex sync.Mutex
	running  bool
}

func NewCompactor(logger log.Logger, engine *Engine) *Compactor {
	return &Compactor{
		logger:  log.With(logger, "component", "compactor"),
		engine:  engine,
		trigger: make(chan struct{}, 1),
		stopc:   make(chan chan struct{}),
	}
}

// Run starts the loop evaluating the garbage ratio, either on a timer or
// when the engine signals that the operation threshold was crossed.
func (c *Compactor) Run() {
	c.runMutex.Lock()
	defer c.runMutex.Unlock()

	if c.running {
		return
	}
	c.running = true

	go c.run()
}

func (c *Compactor) run() {
	var tick <-chan time.Time
	if c.engine.opts.CompactionTrigger == config.TriggerInterval {
		ticker := time.NewTicker(c.engine.opts.CompactionInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			c.maybeCompact()
		case <-c.trigger:
			c.maybeCompact()
		case donec := <-c.stopc:
			close(donec)
			return
		}
	}
}

// Notify asks the loop to evaluate the garbage ratio. Signals coalesce while
// an evaluation is pending.
func (c *Compactor) Notify() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and waits for a cycle in progress to finish.
func (c *Compactor) Stop() {
	c.runMutex.Lock()
	running := c.running
	c.running = false
	c.runMutex.Unlock()

	if running {
		donec := make(chan struct{})
		c.stopc <- donec
		<-donec
	}

	// Wait out a Compact call made outside the loop.
	c.mutex.Lock()
	c.mutex.Unlock()
}

// tombstoneFloor returns the smallest sequence number stored in a segment of
// set outside inputs. A tombstone below it shadows nothing and can be dropped.
func tombstoneFloor(set *segmentSet, inputs map[uint64]*segment.Segment) uint64 {
	floor := uint64(math.MaxUint64)
	for _, seg := range set.all() {
		if _, ok := inputs[seg.ID()]; !ok {
			floor = min(floor, seg.MinSeq())
		}
	}
	return floor
}

// Garbage returns the share of immutable segment bytes a compaction of all
// of them would reclaim. Tombstones it would have to carry forward count as
// live.
func (c *Compactor) Garbage() (ratio float64, dead, total int64) {
	set := c.engine.segments.Load()

	inputs := make(map[uint64]*segment.Segment, len(set.immutable))
	for _, seg := range set.immutable {
		inputs[seg.ID()] = seg
	}

	live := c.engine.keydir.LiveBytes(tombstoneFloor(set, inputs))

	for _, seg := range set.immutable {
		total += seg.Size()
		dead += seg.Size() - live[seg.ID()]
	}

	if total == 0 {
		return 0, 0, 0
	}

	return float64(dead) / float64(total), dead, total
}

func (c *Compactor) maybeCompact() {
	ratio, dead, total := c.Garbage()
	if dead == 0 || ratio < c.engine.opts.GarbageRatio {
		return
	}

	level.Debug(c.logger).Log("msg", "garbage ratio reached", "ratio", ratio, "dead", dead, "total", total)

	if _, err := c.Compact(); err != nil {
		level.Error(c.logger).Log("msg", "compaction failed", "err", err)
	}
}

type move struct {
	key      []byte
	from, to keydir.Entry
}

// Compact merges every immutable segment. It returns a nil result when there
// is nothing to merge or nothing the merge would reclaim.
func (c *Compactor) Compact() (*CompactionResult, error) {
	return c.compact(c.engine.segments.Load().immutable)
}

// compact merges the given immutable segments.
//
// The merged segment is published before the directory is repointed and the
// inputs are retired only afterwards, so a reader always finds the segment
// its entry names. Readers still holding an input keep it open until they
// release it.
func (c *Compactor) compact(candidates []*segment.Segment) (*CompactionResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.engine
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()

	inputs := make(map[uint64]*segment.Segment, len(candidates))
	ids := make([]uint64, 0, len(candidates))
	var inputBytes int64

	for _, seg := range candidates {
		if !seg.Acquire() {
			continue
		}
		// Retired by an earlier cycle while this one waited for the lock.
		if seg.State() != segment.Immutable {
			seg.Release()
			continue
		}
		seg.SetState(segment.Merging)
		inputs[seg.ID()] = seg
		ids = append(ids, seg.ID())
		inputBytes += seg.Size()
	}

	defer func() {
		for _, seg := range inputs {
			if err := seg.Release(); err != nil {
				level.Error(c.logger).Log("msg", "error releasing segment", "segment", seg.ID(), "err", err)
			}
		}
	}()

	if len(inputs) == 0 {
		return nil, nil
	}

	floor := tombstoneFloor(e.segments.Load(), inputs)

	id := e.nextID.Add(1) - 1

	w, err := segment.CreateMerge(e.dir, id)
	if err != nil {
		c.abort(inputs)
		return nil, err
	}

	var (
		moves []move
		drops []move
		rerr  error
	)

	e.keydir.Range(func(key []byte, entry keydir.Entry) bool {
		src, ok := inputs[entry.SegmentID]
		if !ok {
			return true
		}

		if entry.Tombstone && entry.Seq < floor {
			drops = append(drops, move{key: key, from: entry})
			return true
		}

		rec := &record.Record{
			Timestamp: entry.Timestamp,
			Seq:       entry.Seq,
			Key:       key,
			Tombstone: true,
		}

		if !entry.Tombstone {
			rec, rerr = readRecord(src, key, entry)
			if rerr != nil {
				return false
			}
		}

		valueOffset, err := w.Write(rec)
		if err != nil {
			rerr = err
			return false
		}

		to := entry
		to.SegmentID = id
		to.ValueOffset = valueOffset
		moves = append(moves, move{key: key, from: entry, to: to})

		return true
	})

	if rerr != nil {
		w.Abort()
		c.abort(inputs)
		return nil, rerr
	}

	// Every input byte would be copied; publishing the rewrite gains nothing.
	if len(drops) == 0 && w.Size() >= inputBytes {
		w.Abort()
		for _, seg := range inputs {
			seg.SetState(segment.Immutable)
		}
		level.Debug(c.logger).Log("msg", "compaction skipped, nothing to reclaim", "inputs", len(ids))
		return nil, nil
	}

	merged, err := w.Commit(ids)
	if err != nil {
		c.abort(inputs)
		return nil, err
	}

	e.setMutex.Lock()
	e.segments.Store(e.segments.Load().with(merged))
	e.setMutex.Unlock()

	// Entries rewritten since the scan keep their newer location.
	for _, m := range moves {
		e.keydir.CompareAndSwap(m.key, m.from, m.to)
	}

	dropped := 0
	for _, d := range drops {
		if e.keydir.RemoveIf(d.key, d.from) {
			dropped++
		}
	}

	e.setMutex.Lock()
	published := e.segments.Load().without(inputs)
	e.segments.Store(published)
	e.setMutex.Unlock()

	for _, seg := range inputs {
		if err := seg.Retire(); err != nil {
			level.Error(c.logger).Log("msg", "error retiring segment", "segment", seg.ID(), "err", err)
		}
	}

	result := &CompactionResult{
		Inputs:            ids,
		Output:            id,
		Moved:             len(moves),
		DroppedTombstones: dropped,
		ReclaimedBytes:    inputBytes - merged.Size(),
	}

	e.metrics.compactions.Inc()
	e.metrics.compactionDuration.Observe(time.Since(start).Seconds())
	e.metrics.droppedTombstones.Add(float64(dropped))
	e.metrics.segments.Set(float64(published.len()))
	if result.ReclaimedBytes > 0 {
		e.metrics.compactionReclaimed.Add(float64(result.ReclaimedBytes))
	}

	level.Info(c.logger).Log(
		"msg", "compaction done",
		"inputs", len(ids),
		"output", id,
		"moved", result.Moved,
		"droppedTombstones", dropped,
		"reclaimed", result.ReclaimedBytes,
		"duration", time.Since(start),
	)

	return result, nil
}

// abort returns the inputs of a failed cycle to the immutable state.
func (c *Compactor) abort(inputs map[uint64]*segment.Segment) {
	for _, seg := range inputs {
		seg.SetState(segment.Immutable)
	}
	c.engine.metrics.compactionFailures.Inc()
}
