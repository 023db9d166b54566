package trace_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/cyclotron/internal/trace"
)

// randomTrace generates a well-formed event sequence with non-decreasing
// timestamps over a few threads.
func randomTrace(r *rand.Rand, n int) []trace.Event {
	var (
		events []trace.Event
		open   []trace.SpanID
		onCPU  = map[trace.SpanID]bool{}
		roots  = map[trace.SpanID]bool{}
		nextID trace.SpanID
		ts     float64
	)
	tick := func() trace.Timestamp {
		ts += float64(r.IntN(3))
		return trace.Timestamp(ts)
	}
	newThread := func() {
		id := nextID
		nextID++
		events = append(events, trace.ThreadStart{Name: "thread-" + string(rune('A'+len(roots))), ID: id, TS: tick()})
		open = append(open, id)
		roots[id] = true
	}
	newThread()

	for len(events) < n {
		switch op := r.IntN(10); {
		case op == 0 && len(roots) < 4:
			newThread()
		case op < 5:
			parent := open[r.IntN(len(open))]
			id := nextID
			nextID++
			events = append(events, trace.AsyncStart{Name: "span", ParentID: parent, ID: id, TS: tick()})
			open = append(open, id)
		case op < 7:
			i := r.IntN(len(open))
			id := open[i]
			if roots[id] {
				continue
			}
			if onCPU[id] {
				events = append(events, trace.AsyncOffCPU{ID: id, TS: tick()})
				onCPU[id] = false
			}
			events = append(events, trace.AsyncEnd{ID: id, TS: tick()})
			open = append(open[:i], open[i+1:]...)
		default:
			id := open[r.IntN(len(open))]
			if roots[id] {
				continue
			}
			if onCPU[id] {
				events = append(events, trace.AsyncOffCPU{ID: id, TS: tick()})
			} else {
				events = append(events, trace.AsyncOnCPU{ID: id, TS: tick()})
			}
			onCPU[id] = !onCPU[id]
		}
	}
	return events
}

func checkLanes(t *testing.T, m *trace.Model) {
	t.Helper()
	for i, lane := range m.Lanes() {
		require.Equal(t, i, lane.Index)
		for j := 1; j < len(lane.Spans); j++ {
			prev, cur := span(t, m, lane.Spans[j-1]), span(t, m, lane.Spans[j])
			require.True(t, prev.Closed, "lane %d: span %d still open under span %d", lane.ID, prev.ID, cur.ID)
			require.LessOrEqual(t, prev.End, cur.Start, "lane %d: span %d overlaps span %d", lane.ID, prev.ID, cur.ID)
			require.False(t, prev.Overlaps(cur))
		}
		for _, id := range lane.Spans {
			s := span(t, m, id)
			require.Equal(t, lane.ID, s.LaneID)
			if parent := m.Parent(s); parent != nil {
				require.Greater(t, lane.Index, m.LaneOf(parent).Index, "span %d above its parent", id)
			}
		}
	}
}

func TestLanesNeverOverlap(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		r := rand.New(rand.NewPCG(seed, 0xc1c1))
		m := trace.NewModel()
		assigned := map[trace.SpanID]trace.LaneID{}
		for i, ev := range randomTrace(r, 300) {
			require.NoError(t, m.Apply(ev), "seed %d event %d", seed, i)
			if i%50 == 0 {
				checkLanes(t, m)
			}
			for id, lane := range assigned {
				require.Equal(t, lane, span(t, m, id).LaneID, "seed %d: span %d changed lanes", seed, id)
			}
			switch ev := ev.(type) {
			case trace.ThreadStart:
				assigned[ev.ID] = span(t, m, ev.ID).LaneID
			case trace.AsyncStart:
				assigned[ev.ID] = span(t, m, ev.ID).LaneID
			}
		}
		checkLanes(t, m)
	}
}

func TestVisibleSpansStable(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	m := trace.NewModel()
	for _, ev := range randomTrace(r, 200) {
		require.NoError(t, m.Apply(ev))
	}
	lanesBefore := m.NumLanes()
	window := [2]float64{m.MaxTime() / 4, m.MaxTime() * 3 / 4}

	first := m.VisibleSpans(window[0], window[1])
	second := m.VisibleSpans(window[0], window[1])
	assert.Equal(t, first, second)
	assert.Equal(t, lanesBefore, m.NumLanes())
	assert.LessOrEqual(t, first.Count, len(first.Order))

	// Every span sharing a row with its predecessor must be disjoint from it.
	for i := 1; i < len(first.Order); i++ {
		prev, cur := span(t, m, first.Order[i-1]), span(t, m, first.Order[i])
		if first.ByID[prev.ID] == first.ByID[cur.ID] {
			assert.True(t, cur.Mergeable(prev))
		}
	}
}
