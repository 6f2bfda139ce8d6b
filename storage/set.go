package storage

import (
	"sort"

	"cask/storage/segment"
)

// segmentSet is an immutable view of the live segments. Writers build a new
// set and publish it with an atomic pointer swap, so readers never see a set
// that is being modified.
type segmentSet struct {
	active    *segment.Segment
	immutable []*segment.Segment
	byID      map[uint64]*segment.Segment
}

func newSegmentSet(active *segment.Segment, immutable []*segment.Segment) *segmentSet {
	s := &segmentSet{
		active:    active,
		immutable: append([]*segment.Segment(nil), immutable...),
		byID:      make(map[uint64]*segment.Segment, len(immutable)+1),
	}

	sort.Slice(s.immutable, func(i, j int) bool {
		return s.immutable[i].ID() < s.immutable[j].ID()
	})

	for _, seg := range s.immutable {
		s.byID[seg.ID()] = seg
	}
	s.byID[active.ID()] = active

	return s
}

func (s *segmentSet) get(id uint64) *segment.Segment {
	return s.byID[id]
}

func (s *segmentSet) len() int {
	return len(s.byID)
}

// all returns the immutable segments followed by the active one.
func (s *segmentSet) all() []*segment.Segment {
	return append(append([]*segment.Segment(nil), s.immutable...), s.active)
}

// rotate makes next the active segment and the current one immutable.
func (s *segmentSet) rotate(next *segment.Segment) *segmentSet {
	return newSegmentSet(next, append(s.immutable, s.active))
}

func (s *segmentSet) with(seg *segment.Segment) *segmentSet {
	return newSegmentSet(s.active, append(s.immutable, seg))
}

func (s *segmentSet) without(ids map[uint64]*segment.Segment) *segmentSet {
	kept := make([]*segment.Segment, 0, len(s.immutable))
	for _, seg := range s.immutable {
		if _, ok := ids[seg.ID()]; !ok {
			kept = append(kept, seg)
		}
	}
	return newSegmentSet(s.active, kept)
}
