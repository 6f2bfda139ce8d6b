// Package keydir holds the in-memory index from every key to the location of
// its most recent record.
package keydir

import (
	"sync"

	"cask/storage/record"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 256

// Entry locates the newest record of a key. Tombstone entries mark deleted
// keys and stay until compaction proves nothing older needs masking.
type Entry struct {
	SegmentID   uint64
	ValueOffset int64
	ValueSize   uint32
	Seq         uint64
	Timestamp   uint64
	Tombstone   bool
}

// RecordOffset is the position of the whole record holding the value.
func (e Entry) RecordOffset(key []byte) int64 {
	return record.RecordOffset(e.ValueOffset, len(key))
}

func (e Entry) RecordSize(key []byte) int64 {
	return record.Size(len(key), int(e.ValueSize))
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// KeyDir is safe for concurrent use. Every operation locks only the shard
// owning the key.
type KeyDir struct {
	shards [shardCount]shard
}

func New() *KeyDir {
	d := &KeyDir{}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]Entry)
	}
	return d
}

func (d *KeyDir) shard(key []byte) *shard {
	return &d.shards[xxhash.Sum64(key)%shardCount]
}

// Upsert stores e unless the key already maps to an entry with an equal or
// higher sequence number. It reports whether e was stored.
func (d *KeyDir) Upsert(key []byte, e Entry) bool {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[string(key)]; ok && cur.Seq >= e.Seq {
		return false
	}

	s.entries[string(key)] = e
	return true
}

func (d *KeyDir) Lookup(key []byte) (Entry, bool) {
	s := d.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[string(key)]
	return e, ok
}

func (d *KeyDir) Remove(key []byte) {
	s := d.shard(key)
	s.mu.Lock()
	delete(s.entries, string(key))
	s.mu.Unlock()
}

// RemoveIf deletes the key only while it still maps to e.
func (d *KeyDir) RemoveIf(key []byte, e Entry) bool {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[string(key)]; !ok || cur != e {
		return false
	}

	delete(s.entries, string(key))
	return true
}

// CompareAndSwap replaces old with new only while the key still maps to old.
// Compaction uses it so a write racing with the merge always wins.
func (d *KeyDir) CompareAndSwap(key []byte, old, new Entry) bool {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[string(key)]; !ok || cur != old {
		return false
	}

	s.entries[string(key)] = new
	return true
}

// Range calls fn for every entry until fn returns false. Each shard is copied
// under its read lock and fn runs without any lock held, so fn may do I/O.
// Entries changed after their shard was copied are not observed.
func (d *KeyDir) Range(fn func(key []byte, e Entry) bool) {
	type item struct {
		key string
		e   Entry
	}

	var items []item
	for i := range d.shards {
		s := &d.shards[i]

		items = items[:0]
		s.mu.RLock()
		for k, e := range s.entries {
			items = append(items, item{key: k, e: e})
		}
		s.mu.RUnlock()

		for _, it := range items {
			if !fn([]byte(it.key), it.e) {
				return
			}
		}
	}
}

func (d *KeyDir) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// LiveBytes sums the record sizes of non-deleted keys per segment.
// Tombstones with a sequence number at or above keepTombstones count as live
// too, since compaction has to carry them forward.
func (d *KeyDir) LiveBytes(keepTombstones uint64) map[uint64]int64 {
	live := make(map[uint64]int64)

	d.Range(func(key []byte, e Entry) bool {
		if !e.Tombstone || e.Seq >= keepTombstones {
			live[e.SegmentID] += e.RecordSize(key)
		}
		return true
	})

	return live
}
