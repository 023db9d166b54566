package trace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/cyclotron/internal/trace"
)

func viewportModel(t *testing.T) *trace.Model {
	t.Helper()
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "A", ID: 0, TS: 0},
		trace.AsyncStart{Name: "req", ParentID: 0, ID: 1, TS: 0},
		trace.AsyncStart{Name: "parse", ParentID: 1, ID: 2, TS: 1},
		trace.AsyncEnd{ID: 2, TS: 2},
		trace.AsyncStart{Name: "exec", ParentID: 1, ID: 3, TS: 2},
		trace.AsyncEnd{ID: 3, TS: 4},
		trace.AsyncEnd{ID: 1, TS: 5},
		trace.ThreadStart{Name: "B", ID: 10, TS: 1},
		trace.AsyncStart{Name: "poll", ParentID: 10, ID: 11, TS: 6},
	)
	return m
}

func TestVisibleSpansPreOrder(t *testing.T) {
	m := viewportModel(t)
	rows := m.VisibleSpans(0, 10)

	assert.Equal(t, []trace.SpanID{0, 1, 2, 3, 10, 11}, rows.Order)
	assert.Equal(t, 5, rows.Count)

	want := map[trace.SpanID]int{0: 0, 1: 1, 2: 2, 3: 2, 10: 3, 11: 4}
	assert.Equal(t, want, rows.ByID)
}

func TestVisibleSpansWindow(t *testing.T) {
	m := viewportModel(t)

	rows := m.VisibleSpans(2, 4)
	assert.Equal(t, []trace.SpanID{0, 1, 3, 10}, rows.Order)

	// A window past every closed span still shows the open ones.
	rows = m.VisibleSpans(100, 200)
	assert.Equal(t, []trace.SpanID{0, 10, 11}, rows.Order)
	assert.Equal(t, 3, rows.Count)
}

func TestVisibleSpansCollapse(t *testing.T) {
	m := viewportModel(t)

	expanded, err := m.ToggleExpanded(1)
	require.NoError(t, err)
	assert.False(t, expanded)

	rows := m.VisibleSpans(0, 10)
	assert.Equal(t, []trace.SpanID{0, 1, 10, 11}, rows.Order)
	_, ok := rows.Row(2)
	assert.False(t, ok)

	// Persistent lanes are untouched by collapsing.
	assert.Equal(t, 5, m.NumLanes())

	require.NoError(t, m.SetExpanded(1, true))
	assert.Len(t, m.VisibleSpans(0, 10).Order, 6)

	assert.ErrorIs(t, m.SetExpanded(99, false), trace.ErrMissingSpan)
}

func TestVisibleSpansDescendsIntoHiddenParents(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "A", ID: 0, TS: 0},
		trace.AsyncStart{Name: "short", ParentID: 0, ID: 1, TS: 0},
		trace.AsyncStart{Name: "long", ParentID: 1, ID: 2, TS: 0},
		trace.AsyncEnd{ID: 1, TS: 1},
	)
	rows := m.VisibleSpans(5, 6)
	assert.Equal(t, []trace.SpanID{0, 2}, rows.Order)
}

func TestThreadActivity(t *testing.T) {
	m := trace.NewModel()
	apply(t, m,
		trace.ThreadStart{Name: "A", ID: 0, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: 0, ID: 1, TS: 0},
		trace.AsyncStart{Name: "b", ParentID: 0, ID: 2, TS: 0},
		trace.AsyncOnCPU{ID: 1, TS: 1},
		trace.AsyncOnCPU{ID: 2, TS: 1},
		trace.AsyncOffCPU{ID: 1, TS: 2},
		trace.SyncStart{Name: "s", ParentID: 2, ID: 3, TS: 3},
		trace.SyncEnd{ID: 3, TS: 4},
	)
	th, ok := m.Thread("A")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, th.Timestamps)
	assert.Equal(t, []int{2, 1, 2, 1}, th.Counts)
	assert.Equal(t, 2, th.MaxCount)
	assert.Equal(t, 1, th.Active())
	assert.Equal(t, 4.0, th.MaxTime())
}
