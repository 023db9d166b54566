package trace

import "fmt"

// Thread is a named top-level concurrency unit: a root span plus a running
// count of how many of its spans are on-CPU.
type Thread struct {
	Name   string
	RootID SpanID

	// Timestamps[i] is when the on-CPU count changed to Counts[i].
	Timestamps []float64
	Counts     []int
	MaxCount   int

	current int
}

func (t *Thread) record(ts float64, delta int) {
	t.current += delta
	if t.current > t.MaxCount {
		t.MaxCount = t.current
	}
	if n := len(t.Timestamps); n > 0 && t.Timestamps[n-1] == ts {
		t.Counts[n-1] = t.current
		return
	}
	t.Timestamps = append(t.Timestamps, ts)
	t.Counts = append(t.Counts, t.current)
}

// Active is the number of the thread's spans currently on-CPU.
func (t *Thread) Active() int { return t.current }

// MaxTime is the time of the last activity sample, or 0.
func (t *Thread) MaxTime() float64 {
	if n := len(t.Timestamps); n > 0 {
		return t.Timestamps[n-1]
	}
	return 0
}

// SpanStore is the registry of every span and thread in a trace. It owns the
// hierarchy: spans refer to their parent and children by id only.
type SpanStore struct {
	spans       map[SpanID]*Span
	threads     map[string]*Thread
	threadOrder []string
	wakeups     *wakeupIndex
}

func NewSpanStore() *SpanStore {
	return &SpanStore{
		spans:   make(map[SpanID]*Span),
		threads: make(map[string]*Thread),
		wakeups: newWakeupIndex(),
	}
}

// Get returns the span with the given id.
func (st *SpanStore) Get(id SpanID) (*Span, error) {
	span, ok := st.spans[id]
	if !ok {
		return nil, fmt.Errorf("span %d: %w", id, ErrMissingSpan)
	}
	return span, nil
}

func (st *SpanStore) mustGet(id SpanID) *Span {
	span, ok := st.spans[id]
	if !ok {
		panic(fmt.Sprintf("span %d vanished from the store", id))
	}
	return span
}

func (st *SpanStore) Len() int { return len(st.spans) }

// Thread returns the thread registered under name.
func (st *SpanStore) Thread(name string) (*Thread, bool) {
	t, ok := st.threads[name]
	return t, ok
}

// Threads returns all threads in registration order.
func (st *SpanStore) Threads() []*Thread {
	out := make([]*Thread, 0, len(st.threadOrder))
	for _, name := range st.threadOrder {
		out = append(out, st.threads[name])
	}
	return out
}

// Roots returns the thread root spans in registration order.
func (st *SpanStore) Roots() []*Span {
	out := make([]*Span, 0, len(st.threadOrder))
	for _, name := range st.threadOrder {
		out = append(out, st.spans[st.threads[name].RootID])
	}
	return out
}

func (st *SpanStore) checkThread(name string, id SpanID) error {
	if _, ok := st.threads[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrDuplicateThreadName)
	}
	return st.checkNewID(id)
}

func (st *SpanStore) checkNewID(id SpanID) error {
	if _, ok := st.spans[id]; ok {
		return fmt.Errorf("span %d: %w", id, ErrDuplicateID)
	}
	return nil
}

// checkChild validates adding a child starting at start under parentID and
// returns the parent.
func (st *SpanStore) checkChild(parentID, id SpanID, start float64) (*Span, error) {
	if err := st.checkNewID(id); err != nil {
		return nil, err
	}
	parent, err := st.Get(parentID)
	if err != nil {
		return nil, fmt.Errorf("parent of span %d: %w", id, err)
	}
	if n := len(parent.Children); n > 0 {
		last := st.mustGet(parent.Children[n-1])
		if last.Start > start {
			return nil, spanErr(ErrOutOfOrderTimestamp, id, "starts at %g before sibling %d at %g", start, last.ID, last.Start)
		}
	}
	return parent, nil
}

func (st *SpanStore) addThread(root *Span) *Thread {
	t := &Thread{Name: root.Thread, RootID: root.ID}
	st.spans[root.ID] = root
	st.threads[root.Thread] = t
	st.threadOrder = append(st.threadOrder, root.Thread)
	return t
}

func (st *SpanStore) addChild(parent, span *Span) {
	span.ParentID = parent.ID
	span.HasParent = true
	parent.Children = append(parent.Children, span.ID)
	st.spans[span.ID] = span
}

// parent returns the span's parent, or nil for thread roots.
func (st *SpanStore) parent(span *Span) *Span {
	if !span.HasParent {
		return nil
	}
	return st.mustGet(span.ParentID)
}
