// Package snapshot builds immutable data snapshots from a trace model.
//
// A DataSnapshot captures spans, persistent lanes, the compacted rows of a
// time window, wakeups and per-thread activity at a point in time.
// Snapshots are rebuilt whenever the trace grows or the view changes, and
// swapped into the UI model whole.
package snapshot

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/sujayakar/cyclotron/internal/container"
	"github.com/sujayakar/cyclotron/internal/trace"
)

// Window is a half-open time range [Start, End) in trace seconds. The zero
// Window selects the whole trace.
type Window struct {
	Start float64
	End   float64
}

func (w Window) IsZero() bool { return w.Start == 0 && w.End == 0 }

func (w Window) Width() float64 { return w.End - w.Start }

// Span is a copy of a trace span with its layout attached.
type Span struct {
	ID        trace.SpanID
	ParentID  trace.SpanID
	HasParent bool
	Kind      trace.SpanKind
	Name      string
	Thread    string
	Metadata  json.RawMessage

	Start float64
	// End is the close time, or MaxTime for open spans.
	End  float64
	Open bool

	OnCPU     []trace.OnCPU
	OnCPUTime float64
	Outcome   trace.Outcome

	Depth    int
	Children int
	Expanded bool

	Lane      trace.LaneID
	LaneIndex int
	// PackedRow is the span's row within its thread in the packed layout.
	PackedRow int
	// FreeLanes lists lanes offered to this span's future descendants.
	FreeLanes []trace.LaneID
}

func (s Span) Duration() float64 { return s.End - s.Start }

type Lane struct {
	ID    trace.LaneID
	Index int
	Spans []trace.SpanID
}

type Thread struct {
	Name       string
	RootID     trace.SpanID
	Active     int
	MaxCount   int
	Timestamps []float64
	Counts     []int
}

// DataSnapshot is an immutable, self-contained view of a trace.
type DataSnapshot struct {
	// Spans in hierarchy pre-order, threads in start order.
	Spans []Span
	Lanes []Lane
	// Rows holds the compacted layout of Window: Rows[i] lists the spans
	// drawn on row i in layout order.
	Rows    [][]trace.SpanID
	Window  Window
	Wakeups []trace.WakeupRecord
	Threads []Thread
	// Packed is the bounding-box layout of the whole trace, one entry per
	// thread in start order.
	Packed []trace.PackedThread

	MaxTime float64

	// Counts.
	TotalSpans      int
	OpenSpans       int
	VisibleSpans    int
	ResolvedWakeups int
	AppliedEvents   int

	// Timestamp of snapshot creation.
	BuiltAt time.Time

	index map[trace.SpanID]int
	rowOf map[trace.SpanID]int
}

// Span returns the snapshot copy of the span with the given id.
func (d *DataSnapshot) Span(id trace.SpanID) (Span, bool) {
	i, ok := d.index[id]
	if !ok {
		return Span{}, false
	}
	return d.Spans[i], true
}

// Row returns the compacted row of a visible span.
func (d *DataSnapshot) Row(id trace.SpanID) (int, bool) {
	row, ok := d.rowOf[id]
	return row, ok
}

// Build copies the model into a snapshot and lays out window. A zero window
// covers the whole trace.
func Build(m *trace.Model, window Window) *DataSnapshot {
	maxTime := m.MaxTime()
	snap := &DataSnapshot{
		MaxTime:       maxTime,
		AppliedEvents: m.Applied(),
		index:         make(map[trace.SpanID]int, m.NumSpans()),
		BuiltAt:       time.Now(),
	}

	start := math.Inf(1)
	walk(m, func(s *trace.Span, depth int) {
		lane := m.LaneOf(s)
		snap.index[s.ID] = len(snap.Spans)
		snap.Spans = append(snap.Spans, Span{
			ID:        s.ID,
			ParentID:  s.ParentID,
			HasParent: s.HasParent,
			Kind:      s.Kind,
			Name:      s.Name,
			Thread:    s.Thread,
			Metadata:  s.Metadata,
			Start:     s.Start,
			End:       s.EndOr(maxTime),
			Open:      s.IsOpen(),
			OnCPU:     slices.Clone(s.Scheduled),
			OnCPUTime: s.OnCPUTime(maxTime),
			Outcome:   s.Outcome,
			Depth:     depth,
			Children:  len(s.Children),
			Expanded:  s.Expanded,
			Lane:      lane.ID,
			LaneIndex: lane.Index,
			FreeLanes: container.Sorted(s.FreeLanes),
		})
		if s.IsOpen() {
			snap.OpenSpans++
		}
		start = min(start, s.Start)
	})
	snap.TotalSpans = len(snap.Spans)
	if snap.TotalSpans == 0 {
		start = 0
	}

	for _, l := range m.Lanes() {
		snap.Lanes = append(snap.Lanes, Lane{ID: l.ID, Index: l.Index, Spans: slices.Clone(l.Spans)})
	}

	for _, w := range m.Wakeups() {
		snap.Wakeups = append(snap.Wakeups, *w)
		if w.Resolved {
			snap.ResolvedWakeups++
		}
	}

	for _, t := range m.Threads() {
		snap.Threads = append(snap.Threads, Thread{
			Name:       t.Name,
			RootID:     t.RootID,
			Active:     t.Active(),
			MaxCount:   t.MaxCount,
			Timestamps: slices.Clone(t.Timestamps),
			Counts:     slices.Clone(t.Counts),
		})
	}

	// The whole-trace window must include spans that start exactly at
	// MaxTime, so its end is nudged past it.
	end := window.End
	if window.IsZero() {
		window = Window{Start: start, End: maxTime}
		end = math.Nextafter(maxTime, math.Inf(1))
	}
	snap.Window = window

	rows := m.VisibleSpans(window.Start, end)
	snap.Rows = make([][]trace.SpanID, rows.Count)
	for _, id := range rows.Order {
		r := rows.ByID[id]
		snap.Rows[r] = append(snap.Rows[r], id)
	}
	snap.rowOf = rows.ByID
	snap.VisibleSpans = len(rows.Order)

	packed := m.PackedLayout()
	snap.Packed = packed.Threads
	for id, row := range packed.Row {
		snap.Spans[snap.index[id]].PackedRow = row
	}
	return snap
}

// walk visits every span in hierarchy pre-order.
func walk(m *trace.Model, fn func(s *trace.Span, depth int)) {
	type frame struct {
		span  *trace.Span
		depth int
	}
	roots := m.Roots()
	stack := make([]frame, 0, len(roots))
	for _, r := range slices.Backward(roots) {
		stack = append(stack, frame{r, 0})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(f.span, f.depth)
		for _, c := range slices.Backward(m.Children(f.span)) {
			stack = append(stack, frame{c, f.depth + 1})
		}
	}
}
