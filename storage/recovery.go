package storage

import (
	"cask/storage/keydir"
	"cask/storage/record"
	"cask/storage/segment"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// recover rebuilds the key directory and the segment set from dir.
//
// Leftovers of interrupted compactions are discarded first. Segments named as
// superseded by a committed merge hint are deleted. Every remaining segment
// but the newest is loaded from its hint file when one is usable and
// replayed otherwise; the newest is always replayed and becomes active.
// Replay stops at the first corrupt record and cuts the file there.
func (e *Engine) recover() error {
	removed, err := segment.RemoveStale(e.dir)
	if err != nil {
		return err
	}

	for _, name := range removed {
		level.Info(e.logger).Log("msg", "removed leftover file", "file", name)
	}

	ids, err := segment.List(e.dir)
	if err != nil {
		return err
	}

	hints := make(map[uint64]*segment.HintFile, len(ids))
	superseded := make(map[uint64]uint64)

	for _, id := range ids {
		hf, err := segment.ReadHints(e.dir, id)
		switch {
		case err == nil:
			hints[id] = hf
			for _, old := range hf.Superseded {
				superseded[old] = id
			}
		case errors.Is(err, segment.ErrNoHint):
		case errors.Is(err, segment.ErrCorruptHint):
			level.Warn(e.logger).Log("msg", "discarding unreadable hint file", "segment", id, "err", err)
			if err := segment.RemoveHints(e.dir, id); err != nil {
				return err
			}
		default:
			return err
		}
	}

	live := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if merged, ok := superseded[id]; ok {
			level.Info(e.logger).Log("msg", "removing segment replaced by compaction", "segment", id, "merged", merged)
			if err := segment.Remove(e.dir, id); err != nil {
				return err
			}
			delete(hints, id)
			continue
		}
		live = append(live, id)
	}

	if len(live) == 0 {
		active, err := segment.Create(e.dir, 0)
		if err != nil {
			return err
		}

		e.nextID.Store(1)
		e.nextSeq = 1
		e.segments.Store(newSegmentSet(active, nil))

		return nil
	}

	var opened []*segment.Segment
	closeOpened := func() {
		for _, seg := range opened {
			seg.Close()
		}
	}

	for _, id := range live[:len(live)-1] {
		seg, err := segment.Open(e.dir, id)
		if err != nil {
			closeOpened()
			return err
		}
		opened = append(opened, seg)

		if hf, ok := hints[id]; ok {
			err := e.loadHints(seg, hf.Hints)
			if err == nil {
				continue
			}
			level.Warn(e.logger).Log("msg", "hint file does not match segment, replaying", "segment", id, "err", err)
		}

		collected, err := e.replay(seg, e.opts.HintFiles)
		if err != nil {
			closeOpened()
			return err
		}

		if e.opts.HintFiles {
			if err := segment.WriteHints(e.dir, id, nil, collected); err != nil {
				level.Error(e.logger).Log("msg", "error writing hint file", "segment", id, "err", err)
			}
		}
	}

	activeID := live[len(live)-1]

	active, err := segment.Open(e.dir, activeID)
	if err != nil {
		closeOpened()
		return err
	}

	// The active segment grows past whatever its hint file describes.
	if err := segment.RemoveHints(e.dir, activeID); err != nil {
		active.Close()
		closeOpened()
		return err
	}

	if _, err := e.replay(active, false); err != nil {
		active.Close()
		closeOpened()
		return err
	}
	active.Activate()

	var maxSeq uint64
	for _, seg := range append(opened, active) {
		if seg.MaxSeq() > maxSeq {
			maxSeq = seg.MaxSeq()
		}
	}

	e.nextSeq = maxSeq + 1
	e.nextID.Store(activeID + 1)
	e.segments.Store(newSegmentSet(active, opened))

	return nil
}

// loadHints validates hints against seg and indexes them.
func (e *Engine) loadHints(seg *segment.Segment, hints []segment.Hint) error {
	size := seg.Size()
	for _, h := range hints {
		if record.RecordOffset(h.ValueOffset, len(h.Key)) < 0 || h.ValueOffset > size || int64(h.ValueSize) > size-h.ValueOffset {
			return errors.Errorf("entry for seq %d at offset %d size %d exceeds segment size %d", h.Seq, h.ValueOffset, h.ValueSize, size)
		}
	}

	for _, h := range hints {
		seg.Observe(h.Seq)
		e.keydir.Upsert(h.Key, keydir.Entry{
			SegmentID:   seg.ID(),
			ValueOffset: h.ValueOffset,
			ValueSize:   h.ValueSize,
			Seq:         h.Seq,
			Timestamp:   h.Timestamp,
			Tombstone:   h.Tombstone,
		})
	}

	return nil
}

// replay indexes every well-formed record of seg and cuts the file after the
// last one. When collect is set the indexed records are returned as hints.
func (e *Engine) replay(seg *segment.Segment, collect bool) ([]segment.Hint, error) {
	var hints []segment.Hint

	valid, err := seg.Scan(func(offset int64, rec *record.Record) error {
		entry := keydir.Entry{
			SegmentID:   seg.ID(),
			ValueOffset: record.ValueOffset(offset, len(rec.Key)),
			ValueSize:   uint32(len(rec.Value)),
			Seq:         rec.Seq,
			Timestamp:   rec.Timestamp,
			Tombstone:   rec.Tombstone,
		}

		seg.Observe(rec.Seq)
		e.keydir.Upsert(rec.Key, entry)

		if collect {
			hints = append(hints, segment.Hint{
				Key:         rec.Key,
				Timestamp:   entry.Timestamp,
				Seq:         entry.Seq,
				ValueSize:   entry.ValueSize,
				ValueOffset: entry.ValueOffset,
				Tombstone:   entry.Tombstone,
			})
		}

		return nil
	})

	var cerr *wlog.CorruptionErr
	if errors.As(err, &cerr) {
		level.Warn(e.logger).Log(
			"msg", "cutting torn segment tail",
			"segment", seg.ID(),
			"offset", valid,
			"dropped", seg.Size()-valid,
			"err", cerr.Err,
		)
		e.metrics.recoveredCorruptions.Inc()

		if err := seg.Truncate(valid); err != nil {
			return nil, err
		}

		return hints, nil
	}

	return hints, err
}
