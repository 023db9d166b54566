package trace

import "slices"

// Rows is a dense, window-local layout of the spans visible in a time range.
type Rows struct {
	// ByID maps each visible span to its row.
	ByID map[SpanID]int
	// Order lists the visible spans in layout order.
	Order []SpanID
	// Count is the number of rows used.
	Count int
}

// Row returns the row of the span with the given id.
func (r Rows) Row(id SpanID) (int, bool) {
	row, ok := r.ByID[id]
	return row, ok
}

// VisibleSpans lays out the spans intersecting [start, end) that are not
// hidden under a collapsed ancestor. Spans are visited in hierarchy
// pre-order, threads in the order they started, and each takes the next row
// unless it can share the row of the span placed right before it: a closed
// sibling that ended no later than this span started.
//
// The layout is independent of the persistent lanes and does not modify the
// model.
func (m *Model) VisibleSpans(start, end float64) Rows {
	rows := Rows{ByID: make(map[SpanID]int)}

	roots := m.store.Roots()
	stack := make([]*Span, 0, len(roots))
	for _, root := range slices.Backward(roots) {
		stack = append(stack, root)
	}

	var prev *Span
	for len(stack) > 0 {
		span := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if span.Expanded {
			for _, id := range slices.Backward(span.Children) {
				stack = append(stack, m.store.mustGet(id))
			}
		}

		if !span.Intersects(start, end) {
			continue
		}
		if prev != nil && span.Mergeable(prev) {
			rows.ByID[span.ID] = rows.ByID[prev.ID]
		} else {
			rows.ByID[span.ID] = rows.Count
			rows.Count++
		}
		rows.Order = append(rows.Order, span.ID)
		prev = span
	}
	return rows
}
