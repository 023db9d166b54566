package trace

import (
	"fmt"
	"slices"
)

// LaneID is the stable identity of a lane. Lane ids are never reused.
type LaneID int

// Lane is a display row: a start-ordered sequence of non-overlapping spans.
// Index is the lane's current position and moves down as lanes are inserted
// above it.
type Lane struct {
	ID    LaneID
	Index int
	Spans []SpanID
}

// LaneAllocator gives every span a persistent lane when it is created and
// recycles lanes of closed subtrees for later spans under the same ancestor.
type LaneAllocator struct {
	store   *SpanStore
	lanes   map[LaneID]*Lane
	byIndex []LaneID
	nextID  LaneID
}

func NewLaneAllocator(store *SpanStore) *LaneAllocator {
	return &LaneAllocator{
		store: store,
		lanes: make(map[LaneID]*Lane),
	}
}

func (a *LaneAllocator) Len() int { return len(a.byIndex) }

// Lane returns the lane with the given id, or nil.
func (a *LaneAllocator) Lane(id LaneID) *Lane { return a.lanes[id] }

// Lanes returns all lanes ordered by index.
func (a *LaneAllocator) Lanes() []*Lane {
	out := make([]*Lane, len(a.byIndex))
	for i, id := range a.byIndex {
		out[i] = a.lanes[id]
	}
	return out
}

// Assign places a newly registered span in a lane. Thread roots always get a
// fresh lane at the bottom. Other spans take the lowest free lane below their
// parent offered by the nearest ancestor, or else a fresh lane right under
// the parent's subtree.
func (a *LaneAllocator) Assign(span *Span) *Lane {
	lane := a.assign(span)
	span.LaneID = lane.ID
	span.MaxSubtreeLaneID = lane.ID

	for cur := a.store.parent(span); cur != nil; cur = a.store.parent(cur) {
		if a.lanes[cur.MaxSubtreeLaneID].Index < lane.Index {
			cur.MaxSubtreeLaneID = lane.ID
		}
	}
	return lane
}

func (a *LaneAllocator) assign(span *Span) *Lane {
	parent := a.store.parent(span)
	if parent == nil {
		return a.insert(len(a.byIndex), span)
	}

	parentIndex := a.lanes[parent.LaneID].Index
	for cur := parent; cur != nil; cur = a.store.parent(cur) {
		var best *Lane
		for id := range cur.FreeLanes {
			lane := a.lanes[id]
			if lane.Index > parentIndex && (best == nil || lane.Index < best.Index) {
				best = lane
			}
		}
		if best == nil {
			continue
		}
		if err := a.push(best, span); err != nil {
			panic(err)
		}
		cur.FreeLanes.Delete(best.ID)
		return best
	}

	return a.insert(a.lanes[parent.MaxSubtreeLaneID].Index+1, span)
}

// push appends span to an existing lane. The lane's last span must be closed
// and end no later than span starts.
func (a *LaneAllocator) push(lane *Lane, span *Span) error {
	last := a.store.mustGet(lane.Spans[len(lane.Spans)-1])
	if last.IsOpen() || last.End > span.Start {
		return fmt.Errorf("%w: span %d overlaps span %d on free lane %d", ErrLaneInvariant, span.ID, last.ID, lane.ID)
	}
	lane.Spans = append(lane.Spans, span.ID)
	return nil
}

// insert creates a lane holding span at position at, shifting every lane at
// or below it down by one.
func (a *LaneAllocator) insert(at int, span *Span) *Lane {
	if at > len(a.byIndex) {
		panic(fmt.Errorf("%w: lane insertion at %d past %d lanes", ErrLaneInvariant, at, len(a.byIndex)))
	}
	lane := &Lane{ID: a.nextID, Index: at, Spans: []SpanID{span.ID}}
	a.nextID++

	for _, l := range a.lanes {
		if l.Index >= at {
			l.Index++
		}
	}
	a.lanes[lane.ID] = lane
	a.byIndex = slices.Insert(a.byIndex, at, lane.ID)
	return lane
}

// Release hands a closing span's lane, along with the lanes its descendants
// freed, to its parent. Thread roots keep theirs.
func (a *LaneAllocator) Release(span *Span) {
	parent := a.store.parent(span)
	if parent == nil {
		return
	}
	parent.FreeLanes.Add(span.LaneID)
	parent.FreeLanes.Merge(span.FreeLanes)
	// A lane must be offered by one ancestor at a time.
	clear(span.FreeLanes)
}
