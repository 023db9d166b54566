package trace

import (
	"cmp"
	"math"
	"slices"
	"sort"
)

// PackedLayout places every span of the trace on a row of its thread so that
// no two spans sharing a row overlap in time.
//
// Each subtree is packed into its own bounding box. A span sits on the top
// row of its box and its children's boxes are stacked below it in start
// order, each at the lowest offset where it does not collide with a sibling
// box placed before it. A subtree therefore never interleaves with a
// sibling's subtree, at the price of more rows than VisibleSpans uses.
//
// The layout covers the whole trace and ignores collapsed spans.
type PackedLayout struct {
	Threads []PackedThread
	// Row maps each span to its row within its thread.
	Row map[SpanID]int
}

// PackedThread is one thread of a packed layout. Rows[0] holds only the
// root.
type PackedThread struct {
	Root SpanID
	// Rows lists the spans on each row in start order.
	Rows [][]SpanID
}

// packedRect is a child's bounding box inside its parent's box.
type packedRect struct {
	id          SpanID
	start, end  float64
	row, height int
}

func (r packedRect) overlaps(o packedRect) bool {
	return r.start < o.end && o.start < r.end &&
		r.row < o.row+o.height && o.row < r.row+r.height
}

// packedBox is the local layout of one span and its children.
type packedBox struct {
	// start, end and height bound the span and all of its descendants.
	start, end float64
	height     int

	children map[SpanID]int
	// byEnd holds the placed children ordered by end time.
	byEnd []packedRect
}

func (b *packedBox) add(r packedRect) {
	// Only boxes ending after r starts can collide with it.
	first := sort.Search(len(b.byEnd), func(i int) bool { return b.byEnd[i].end > r.start })
	candidates := b.byEnd[first:]
	for r.row = 1; slices.ContainsFunc(candidates, r.overlaps); r.row++ {
	}

	b.height = max(b.height, r.row+r.height)
	b.children[r.id] = r.row
	at := sort.Search(len(b.byEnd), func(i int) bool { return b.byEnd[i].end > r.end })
	b.byEnd = slices.Insert(b.byEnd, at, r)
}

// packedEnd is the span's extent for packing. Open spans run to the end of
// time, so nothing is ever packed after them on the same row.
func packedEnd(s *Span) float64 {
	if s.IsOpen() {
		return math.Inf(1)
	}
	return s.End
}

// PackedLayout computes the packed layout of the whole trace. Threads come in
// registration order.
func (m *Model) PackedLayout() PackedLayout {
	boxes := make(map[SpanID]*packedBox, m.store.Len())

	var pack func(s *Span) *packedBox
	pack = func(s *Span) *packedBox {
		box := &packedBox{
			start:    s.Start,
			end:      packedEnd(s),
			height:   1,
			children: make(map[SpanID]int, len(s.Children)),
		}
		for _, id := range s.Children {
			child := pack(m.store.mustGet(id))
			box.add(packedRect{id: id, start: child.start, end: child.end, height: child.height})
			box.start = min(box.start, child.start)
			box.end = max(box.end, child.end)
		}
		boxes[s.ID] = box
		return box
	}

	out := PackedLayout{Row: make(map[SpanID]int, m.store.Len())}
	for _, root := range m.store.Roots() {
		thread := PackedThread{Root: root.ID, Rows: make([][]SpanID, pack(root).height)}

		var place func(s *Span, row int)
		place = func(s *Span, row int) {
			out.Row[s.ID] = row
			thread.Rows[row] = append(thread.Rows[row], s.ID)
			box := boxes[s.ID]
			for _, id := range s.Children {
				place(m.store.mustGet(id), row+box.children[id])
			}
		}
		place(root, 0)
		for _, row := range thread.Rows {
			slices.SortStableFunc(row, func(a, b SpanID) int {
				return cmp.Compare(m.store.mustGet(a).Start, m.store.mustGet(b).Start)
			})
		}
		out.Threads = append(out.Threads, thread)
	}
	return out
}
