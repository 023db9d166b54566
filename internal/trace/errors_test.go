package trace_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/cyclotron/internal/container"
	"github.com/sujayakar/cyclotron/internal/trace"
)

func TestApplyRejects(t *testing.T) {
	setup := []trace.Event{
		trace.ThreadStart{Name: "T", ID: 0, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: 0, ID: 1, TS: 1},
		trace.AsyncOnCPU{ID: 1, TS: 2},
		trace.AsyncStart{Name: "done", ParentID: 0, ID: 2, TS: 2},
		trace.AsyncEnd{ID: 2, TS: 3},
		trace.SyncStart{Name: "s", ParentID: 1, ID: 3, TS: 3},
		trace.AsyncStart{Name: "idle", ParentID: 0, ID: 4, TS: 3},
		trace.ThreadStart{Name: "late", ID: 20, TS: 3},
	}

	tests := []struct {
		name string
		ev   trace.Event
		want error
	}{
		{"duplicate span id", trace.AsyncStart{Name: "x", ParentID: 0, ID: 1, TS: 4}, trace.ErrDuplicateID},
		{"duplicate thread id", trace.ThreadStart{Name: "U", ID: 2, TS: 4}, trace.ErrDuplicateID},
		{"duplicate thread name", trace.ThreadStart{Name: "T", ID: 50, TS: 4}, trace.ErrDuplicateThreadName},
		{"unknown parent", trace.AsyncStart{Name: "x", ParentID: 42, ID: 9, TS: 4}, trace.ErrMissingSpan},
		{"unknown span end", trace.AsyncEnd{ID: 42, TS: 4}, trace.ErrMissingSpan},
		{"unknown span on-cpu", trace.AsyncOnCPU{ID: 42, TS: 4}, trace.ErrMissingSpan},
		{"double close", trace.AsyncEnd{ID: 2, TS: 4}, trace.ErrDoubleClose},
		{"end with open interval", trace.AsyncEnd{ID: 1, TS: 4}, trace.ErrDoubleOpen},
		{"double on-cpu", trace.AsyncOnCPU{ID: 1, TS: 4}, trace.ErrDoubleOpen},
		{"off-cpu after close", trace.AsyncOffCPU{ID: 2, TS: 4}, trace.ErrSpanClosed},
		{"on-cpu after close", trace.AsyncOnCPU{ID: 2, TS: 4}, trace.ErrSpanClosed},
		{"sync end of closed span", trace.SyncEnd{ID: 2, TS: 4}, trace.ErrDoubleClose},
		{"sync end of unscheduled span", trace.SyncEnd{ID: 0, TS: 4}, trace.ErrMissingScheduleInterval},
		{"sync end before start", trace.SyncEnd{ID: 3, TS: 2.5}, trace.ErrOutOfOrderTimestamp},
		{"async end before start", trace.AsyncEnd{ID: 4, TS: 2.5}, trace.ErrOutOfOrderTimestamp},
		{"thread end before start", trace.ThreadEnd{ID: 20, TS: 1}, trace.ErrOutOfOrderTimestamp},
		{"not an event", nil, trace.ErrUnrecognizedEvent},
		{"child before sibling", trace.AsyncStart{Name: "x", ParentID: 0, ID: 9, TS: 1.5}, trace.ErrOutOfOrderTimestamp},
		{"wakeup of unknown span", trace.Wakeup{WakingSpan: 1, ParkedSpan: 42, TS: 4}, trace.ErrMissingSpan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := trace.NewModel()
			apply(t, m, setup...)
			before := snapshotModel(t, m)

			err := m.Apply(tt.ev)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, snapshotModel(t, m), "rejected event changed the model")
		})
	}
}

func TestOffCPUWithoutInterval(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "T", ID: 0, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: 0, ID: 1, TS: 1},
	)
	assert.ErrorIs(t, m.Apply(trace.AsyncOffCPU{ID: 1, TS: 2}), trace.ErrMissingScheduleInterval)
}

func TestSyncEndAfterReschedule(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "T", ID: 0, TS: 0},
		trace.SyncStart{Name: "s", ParentID: 0, ID: 1, TS: 1},
		trace.AsyncOffCPU{ID: 1, TS: 2},
		trace.AsyncOnCPU{ID: 1, TS: 3},
	)
	assert.ErrorIs(t, m.Apply(trace.SyncEnd{ID: 1, TS: 4}), trace.ErrDoubleOpen)
}

func TestSyncSpanLifecycle(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "T", ID: 0, TS: 0},
		trace.SyncStart{Name: "s", ParentID: 0, ID: 1, TS: 1},
		trace.SyncEnd{ID: 1, TS: 4},
	)
	s := span(t, m, 1)
	assert.True(t, s.Closed)
	assert.Equal(t, 4.0, s.End)
	require.Len(t, s.Scheduled, 1)
	assert.Equal(t, trace.OnCPU{Start: 1, End: 4, Closed: true}, s.Scheduled[0])
	assert.Equal(t, 3.0, s.OnCPUTime(m.MaxTime()))
}

func TestLaneInvariantPanics(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "T", ID: 0, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: 0, ID: 1, TS: 0},
		trace.AsyncStart{Name: "a.1", ParentID: 1, ID: 2, TS: 0},
		trace.AsyncEnd{ID: 2, TS: 10},
		trace.AsyncEnd{ID: 1, TS: 10},
	)
	// b reuses a's lane, then a child of b claims a.1's lane at a time
	// before a.1 ended.
	apply(t, m, trace.AsyncStart{Name: "b", ParentID: 0, ID: 3, TS: 10})
	assert.Panics(t, func() {
		_ = m.Apply(trace.AsyncStart{Name: "b.1", ParentID: 3, ID: 4, TS: 5})
	})
}

type modelState struct {
	Applied int
	MaxTime float64
	Spans   []spanState
	Lanes   []trace.Lane
	Wakeups int
	Threads []trace.Thread
}

type spanState struct {
	ID               trace.SpanID
	Closed           bool
	End              float64
	Outcome          trace.Outcome
	Scheduled        []trace.OnCPU
	Children         []trace.SpanID
	LaneID           trace.LaneID
	MaxSubtreeLaneID trace.LaneID
	FreeLanes        []trace.LaneID
}

func snapshotModel(t *testing.T, m *trace.Model) modelState {
	t.Helper()
	st := modelState{
		Applied: m.Applied(),
		MaxTime: m.MaxTime(),
		Wakeups: len(m.Wakeups()),
	}
	stack := m.Roots()
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		st.Spans = append(st.Spans, spanState{
			ID:               s.ID,
			Closed:           s.Closed,
			End:              s.End,
			Outcome:          s.Outcome,
			Scheduled:        slices.Clone(s.Scheduled),
			Children:         slices.Clone(s.Children),
			LaneID:           s.LaneID,
			MaxSubtreeLaneID: s.MaxSubtreeLaneID,
			FreeLanes:        container.Sorted(s.FreeLanes),
		})
		stack = append(stack, m.Children(s)...)
	}
	require.Len(t, st.Spans, m.NumSpans())
	for _, l := range m.Lanes() {
		st.Lanes = append(st.Lanes, trace.Lane{ID: l.ID, Index: l.Index, Spans: append([]trace.SpanID(nil), l.Spans...)})
	}
	for _, th := range m.Threads() {
		cp := *th
		cp.Timestamps = append([]float64(nil), th.Timestamps...)
		cp.Counts = append([]int(nil), th.Counts...)
		st.Threads = append(st.Threads, cp)
	}
	return st
}
