// Package trace builds a hierarchical span model from a stream of execution
// trace events and lays the spans out in display lanes.
//
// A Model is fed one event at a time through Apply. It keeps every span in a
// SpanStore, assigns each new span a persistent lane through a LaneAllocator
// and tracks wakeup edges between spans. Renderers query it with Lanes for the
// persistent layout or VisibleSpans for a dense layout of a time window.
//
// A Model is not safe for concurrent use.
package trace

import "fmt"

type Model struct {
	store   *SpanStore
	lanes   *LaneAllocator
	maxTime float64
	applied int
}

func NewModel() *Model {
	store := NewSpanStore()
	return &Model{
		store: store,
		lanes: NewLaneAllocator(store),
	}
}

// Apply validates ev against the current state and applies it. An event that
// fails validation leaves the model unchanged.
func (m *Model) Apply(ev Event) error {
	var err error
	switch ev := ev.(type) {
	case ThreadStart:
		err = m.threadStart(ev)
	case ThreadEnd:
		err = m.end(ev.ID, float64(ev.TS))
	case AsyncStart:
		_, err = m.spanStart(KindAsync, ev.Name, ev.ParentID, ev.ID, float64(ev.TS), ev.Metadata)
	case AsyncEnd:
		err = m.asyncEnd(ev)
	case AsyncOnCPU:
		err = m.onCPU(ev.ID, float64(ev.TS))
	case AsyncOffCPU:
		err = m.offCPU(ev.ID, float64(ev.TS))
	case SyncStart:
		_, err = m.spanStart(KindSync, ev.Name, ev.ParentID, ev.ID, float64(ev.TS), ev.Metadata)
	case SyncEnd:
		err = m.syncEnd(ev.ID, float64(ev.TS))
	case Wakeup:
		if ev.WakingSpan == ev.ParkedSpan {
			return nil
		}
		err = m.wakeup(ev)
	default:
		return fmt.Errorf("%T: %w", ev, ErrUnrecognizedEvent)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", ev.Kind(), err)
	}
	if ts := float64(ev.Time()); ts > m.maxTime {
		m.maxTime = ts
	}
	m.applied++
	return nil
}

func (m *Model) threadStart(ev ThreadStart) error {
	if err := m.store.checkThread(ev.Name, ev.ID); err != nil {
		return err
	}
	root := newSpan(KindThread, ev.ID, ev.Name, ev.Name, float64(ev.TS))
	m.store.addThread(root)
	m.lanes.Assign(root)
	return nil
}

func (m *Model) spanStart(kind SpanKind, name string, parentID, id SpanID, ts float64, metadata []byte) (*Span, error) {
	parent, err := m.store.checkChild(parentID, id, ts)
	if err != nil {
		return nil, err
	}
	span := newSpan(kind, id, name, parent.Thread, ts)
	span.Metadata = metadata
	m.store.addChild(parent, span)
	m.lanes.Assign(span)
	if kind == KindSync {
		span.onCPU(ts)
		m.threadOf(span).record(ts, 1)
	}
	return span, nil
}

func (m *Model) onCPU(id SpanID, ts float64) error {
	span, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if err := span.checkOnCPU(); err != nil {
		return err
	}
	m.store.wakeups.resolve(id, ts)
	span.onCPU(ts)
	m.threadOf(span).record(ts, 1)
	return nil
}

func (m *Model) offCPU(id SpanID, ts float64) error {
	span, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if err := span.checkOffCPU(ts); err != nil {
		return err
	}
	span.offCPU(ts)
	m.threadOf(span).record(ts, -1)
	return nil
}

func (m *Model) asyncEnd(ev AsyncEnd) error {
	if err := m.end(ev.ID, float64(ev.TS)); err != nil {
		return err
	}
	m.store.mustGet(ev.ID).Outcome = ev.Outcome
	return nil
}

func (m *Model) end(id SpanID, ts float64) error {
	span, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if err := span.checkClose(ts); err != nil {
		return err
	}
	m.close(span, ts)
	return nil
}

// syncEnd takes a sync span off-CPU and closes it. Sync spans are scheduled
// exactly once, for their whole lifetime.
func (m *Model) syncEnd(id SpanID, ts float64) error {
	span, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if span.Closed {
		return spanErr(ErrDoubleClose, id, "")
	}
	switch n := len(span.Scheduled); {
	case n == 0:
		return spanErr(ErrMissingScheduleInterval, id, "sync span never scheduled")
	case n > 1:
		return spanErr(ErrDoubleOpen, id, "sync span scheduled %d times", n)
	}
	if err := span.checkOffCPU(ts); err != nil {
		return err
	}
	if ts < span.Start {
		return spanErr(ErrOutOfOrderTimestamp, id, "end %g before start %g", ts, span.Start)
	}
	span.offCPU(ts)
	m.threadOf(span).record(ts, -1)
	m.close(span, ts)
	return nil
}

func (m *Model) close(span *Span, ts float64) {
	m.lanes.Release(span)
	span.close(ts)
}

func (m *Model) wakeup(ev Wakeup) error {
	if _, err := m.store.Get(ev.WakingSpan); err != nil {
		return fmt.Errorf("waking: %w", err)
	}
	if _, err := m.store.Get(ev.ParkedSpan); err != nil {
		return fmt.Errorf("parked: %w", err)
	}
	idx := m.store.wakeups
	var id WakeupID
	if ev.ID != nil {
		id = *ev.ID
		if idx.has(id) {
			return fmt.Errorf("wakeup %d: %w", id, ErrDuplicateID)
		}
	} else {
		id = idx.nextID()
	}
	idx.add(&WakeupRecord{
		ID:       id,
		WakingID: ev.WakingSpan,
		ParkedID: ev.ParkedSpan,
		Start:    float64(ev.TS),
	})
	return nil
}

func (m *Model) threadOf(span *Span) *Thread {
	return m.store.threads[span.Thread]
}

// Span returns the span with the given id, or an error wrapping
// ErrMissingSpan.
func (m *Model) Span(id SpanID) (*Span, error) { return m.store.Get(id) }

// Children returns the span's direct children in start order.
func (m *Model) Children(span *Span) []*Span {
	out := make([]*Span, len(span.Children))
	for i, id := range span.Children {
		out[i] = m.store.mustGet(id)
	}
	return out
}

// Parent returns the span's parent, or nil for a thread root.
func (m *Model) Parent(span *Span) *Span { return m.store.parent(span) }

// Lanes returns the persistent lanes ordered by index.
func (m *Model) Lanes() []*Lane { return m.lanes.Lanes() }

// LaneOf returns the persistent lane holding span.
func (m *Model) LaneOf(span *Span) *Lane { return m.lanes.Lane(span.LaneID) }

func (m *Model) NumLanes() int { return m.lanes.Len() }
func (m *Model) NumSpans() int { return m.store.Len() }

// Applied is the number of events successfully applied so far.
func (m *Model) Applied() int { return m.applied }

// MaxTime is the largest timestamp seen so far. Open spans are drawn up to
// it.
func (m *Model) MaxTime() float64 { return m.maxTime }

func (m *Model) Threads() []*Thread { return m.store.Threads() }

func (m *Model) Thread(name string) (*Thread, bool) { return m.store.Thread(name) }

// Roots returns the thread root spans in the order the threads started.
func (m *Model) Roots() []*Span { return m.store.Roots() }

// Wakeups returns every recorded wakeup in arrival order.
func (m *Model) Wakeups() []*WakeupRecord { return m.store.wakeups.all }

// ResolvedWakeups returns the wakeups whose parked span has since resumed.
func (m *Model) ResolvedWakeups() []*WakeupRecord {
	var out []*WakeupRecord
	for _, w := range m.store.wakeups.all {
		if w.Resolved {
			out = append(out, w)
		}
	}
	return out
}

// Wakeup returns the wakeup record with the given id.
func (m *Model) Wakeup(id WakeupID) (*WakeupRecord, bool) {
	w, ok := m.store.wakeups.byID[id]
	return w, ok
}

// SetExpanded shows or hides the span's descendants in VisibleSpans.
func (m *Model) SetExpanded(id SpanID, expanded bool) error {
	span, err := m.store.Get(id)
	if err != nil {
		return err
	}
	span.Expanded = expanded
	return nil
}

// ToggleExpanded flips the span's expansion state and returns the new one.
func (m *Model) ToggleExpanded(id SpanID) (bool, error) {
	span, err := m.store.Get(id)
	if err != nil {
		return false, err
	}
	span.Expanded = !span.Expanded
	return span.Expanded, nil
}
