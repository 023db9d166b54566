// Package tracefilter cuts a trace down to the spans named as goals: each
// goal span's ancestors, its whole subtree, and the wakeups between spans
// that survive.
//
// The filter works on raw event lines so the output keeps the exact bytes of
// the input.
package tracefilter

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/sujayakar/cyclotron/internal/container"
	"github.com/sujayakar/cyclotron/internal/trace"
)

type line struct {
	raw []byte
	ts  trace.Timestamp
	seq int
}

type node struct {
	lines    []line
	name     string
	parent   trace.SpanID
	isRoot   bool
	children []trace.SpanID
}

type wakeup struct {
	line
	waking, parked trace.SpanID
}

// Tree indexes event lines by the span they belong to.
type Tree struct {
	nodes   map[trace.SpanID]*node
	wakeups []wakeup
	goals   container.Set[string]
	// goal spans in arrival order
	goalSpans []trace.SpanID
	seq       int
	log       *slog.Logger
}

func New(goals []string, log *slog.Logger) *Tree {
	if log == nil {
		log = slog.Default()
	}
	t := &Tree{
		nodes: make(map[trace.SpanID]*node),
		goals: make(container.Set[string]),
		log:   log,
	}
	for _, g := range goals {
		t.goals.Add(g)
	}
	return t
}

// Add indexes one raw event line. Blank lines are ignored.
func (t *Tree) Add(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	ev, err := trace.DecodeEvent(raw)
	if err != nil {
		return err
	}
	l := line{raw: slices.Clone(raw), ts: ev.Time(), seq: t.seq}
	t.seq++

	switch ev := ev.(type) {
	case trace.ThreadStart:
		return t.addNode(ev.ID, ev.Name, l, 0, true)
	case trace.AsyncStart:
		return t.addChild(ev.ID, ev.ParentID, ev.Name, l)
	case trace.SyncStart:
		return t.addChild(ev.ID, ev.ParentID, ev.Name, l)
	case trace.Wakeup:
		t.wakeups = append(t.wakeups, wakeup{line: l, waking: ev.WakingSpan, parked: ev.ParkedSpan})
		return nil
	case trace.AsyncOnCPU:
		return t.append(ev.ID, l)
	case trace.AsyncOffCPU:
		return t.append(ev.ID, l)
	case trace.AsyncEnd:
		return t.append(ev.ID, l)
	case trace.SyncEnd:
		return t.append(ev.ID, l)
	case trace.ThreadEnd:
		return t.append(ev.ID, l)
	}
	return fmt.Errorf("%s: %w", ev.Kind(), trace.ErrUnrecognizedEvent)
}

func (t *Tree) addChild(id, parentID trace.SpanID, name string, l line) error {
	parent, ok := t.nodes[parentID]
	if !ok {
		t.log.Warn("parentless span, treating as root", "span", id, "parent", parentID)
		return t.addNode(id, name, l, 0, true)
	}
	if err := t.addNode(id, name, l, parentID, false); err != nil {
		return err
	}
	parent.children = append(parent.children, id)
	return nil
}

func (t *Tree) addNode(id trace.SpanID, name string, l line, parent trace.SpanID, root bool) error {
	if _, ok := t.nodes[id]; ok {
		return fmt.Errorf("span %d: %w", id, trace.ErrDuplicateID)
	}
	if t.goals.Has(name) {
		t.goalSpans = append(t.goalSpans, id)
	}
	t.nodes[id] = &node{lines: []line{l}, name: name, parent: parent, isRoot: root}
	return nil
}

func (t *Tree) append(id trace.SpanID, l line) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("span %d: %w", id, trace.ErrMissingSpan)
	}
	n.lines = append(n.lines, l)
	return nil
}

// Len is the number of spans indexed.
func (t *Tree) Len() int { return len(t.nodes) }

// Filter returns the selected lines ordered by timestamp. Lines with equal
// timestamps keep their input order.
func (t *Tree) Filter() [][]byte {
	// seen spans have had their lines emitted; walked spans have had their
	// whole subtree emitted. An ancestor of one goal may itself be a goal.
	seen := make(container.Set[trace.SpanID])
	walked := make(container.Set[trace.SpanID])
	var out []line
	for _, id := range t.goalSpans {
		n := t.nodes[id]
		if !n.isRoot {
			out = t.addAncestors(seen, out, n.parent)
		}
		out = t.addSubtree(seen, walked, out, id)
	}
	for _, w := range t.wakeups {
		if seen.Has(w.waking) && seen.Has(w.parked) {
			out = append(out, w.line)
		}
	}
	slices.SortFunc(out, func(a, b line) int {
		return cmp.Or(cmp.Compare(a.ts, b.ts), cmp.Compare(a.seq, b.seq))
	})

	res := make([][]byte, len(out))
	for i, l := range out {
		res[i] = l.raw
	}
	return res
}

func (t *Tree) addAncestors(seen container.Set[trace.SpanID], out []line, id trace.SpanID) []line {
	var chain []trace.SpanID
	for {
		if seen.Has(id) {
			break
		}
		seen.Add(id)
		chain = append(chain, id)
		n := t.nodes[id]
		if n.isRoot {
			break
		}
		id = n.parent
	}
	for _, id := range slices.Backward(chain) {
		out = append(out, t.nodes[id].lines...)
	}
	return out
}

func (t *Tree) addSubtree(seen, walked container.Set[trace.SpanID], out []line, id trace.SpanID) []line {
	stack := []trace.SpanID{id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if walked.Has(id) {
			continue
		}
		walked.Add(id)
		n := t.nodes[id]
		if !seen.Has(id) {
			seen.Add(id)
			out = append(out, n.lines...)
		}
		for _, c := range slices.Backward(n.children) {
			stack = append(stack, c)
		}
	}
	return out
}

// Run reads newline-delimited events from r and writes the lines selected by
// goals to w.
func Run(r io.Reader, w io.Writer, goals []string, log *slog.Logger) (int, error) {
	t := New(goals, log)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := t.Add(sc.Bytes()); err != nil {
			return 0, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	lines := t.Filter()
	for _, l := range lines {
		bw.Write(l)
		bw.WriteByte('\n')
	}
	return len(lines), bw.Flush()
}
