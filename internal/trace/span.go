package trace

import (
	"encoding/json"
	"fmt"

	"github.com/sujayakar/cyclotron/internal/container"
)

// OnCPU is one period during which a span was scheduled on a CPU.
type OnCPU struct {
	Start  float64
	End    float64
	Closed bool
}

func (c OnCPU) IsOpen() bool { return !c.Closed }

type SpanKind uint8

const (
	KindThread SpanKind = iota
	KindAsync
	KindSync
)

func (k SpanKind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindAsync:
		return "async"
	case KindSync:
		return "sync"
	}
	return "?"
}

// Span is a timed unit of work. Thread roots have no parent; every other span
// hangs off a parent span in the same thread.
type Span struct {
	ID        SpanID
	ParentID  SpanID
	HasParent bool
	Kind      SpanKind
	Name      string
	Thread    string
	Metadata  json.RawMessage

	Start  float64
	End    float64
	Closed bool

	Scheduled []OnCPU
	Outcome   Outcome

	// Children in start order.
	Children []SpanID

	LaneID           LaneID
	MaxSubtreeLaneID LaneID
	// FreeLanes holds lanes vacated by closed descendants that no later
	// span has reclaimed yet.
	FreeLanes container.Set[LaneID]

	// Expanded controls whether children take part in viewport compaction.
	Expanded bool
}

func newSpan(kind SpanKind, id SpanID, name, thread string, start float64) *Span {
	return &Span{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Thread:    thread,
		Start:     start,
		FreeLanes: make(container.Set[LaneID]),
		Expanded:  true,
	}
}

func (s *Span) IsOpen() bool { return !s.Closed }

// EndOr returns the span's end, or maxTime while it is still open.
func (s *Span) EndOr(maxTime float64) float64 {
	if s.Closed {
		return s.End
	}
	return maxTime
}

// Intersects reports whether the span overlaps the half-open window
// [start, end). Open spans extend indefinitely.
func (s *Span) Intersects(start, end float64) bool {
	return s.Start < end && (s.IsOpen() || s.End > start)
}

// Overlaps reports whether two spans share any instant.
func (s *Span) Overlaps(other *Span) bool {
	first, second := s, other
	if other.Start < s.Start {
		first, second = other, s
	}
	return first.IsOpen() || second.Start < first.End
}

// Mergeable reports whether s may share a compacted row with prev, the span
// laid out right before it.
func (s *Span) Mergeable(prev *Span) bool {
	return prev.HasParent && s.HasParent && prev.ParentID == s.ParentID &&
		prev.Closed && s.Closed && prev.End <= s.Start
}

func (s *Span) lastInterval() *OnCPU {
	if len(s.Scheduled) == 0 {
		return nil
	}
	return &s.Scheduled[len(s.Scheduled)-1]
}

// OnCPUTime sums the scheduled intervals, counting an open interval up to
// maxTime.
func (s *Span) OnCPUTime(maxTime float64) float64 {
	var total float64
	for _, c := range s.Scheduled {
		end := maxTime
		if c.Closed {
			end = c.End
		}
		if end > c.Start {
			total += end - c.Start
		}
	}
	return total
}

func (s *Span) String() string {
	if s.Closed {
		return fmt.Sprintf("Span(id: %d, name: %s, start: %g, end: %g)", s.ID, s.Name, s.Start, s.End)
	}
	return fmt.Sprintf("Span(id: %d, name: %s, start: %g, open)", s.ID, s.Name, s.Start)
}

func (s *Span) checkClose(ts float64) error {
	if s.Closed {
		return spanErr(ErrDoubleClose, s.ID, "")
	}
	if last := s.lastInterval(); last != nil && last.IsOpen() {
		return spanErr(ErrDoubleOpen, s.ID, "closing with open schedule interval")
	}
	if ts < s.Start {
		return spanErr(ErrOutOfOrderTimestamp, s.ID, "end %g before start %g", ts, s.Start)
	}
	return nil
}

func (s *Span) close(ts float64) {
	s.End = ts
	s.Closed = true
}

func (s *Span) checkOnCPU() error {
	if s.Closed {
		return spanErr(ErrSpanClosed, s.ID, "on-CPU")
	}
	if last := s.lastInterval(); last != nil && last.IsOpen() {
		return spanErr(ErrDoubleOpen, s.ID, "")
	}
	return nil
}

func (s *Span) onCPU(ts float64) {
	s.Scheduled = append(s.Scheduled, OnCPU{Start: ts})
}

func (s *Span) checkOffCPU(ts float64) error {
	if s.Closed {
		return spanErr(ErrSpanClosed, s.ID, "off-CPU")
	}
	last := s.lastInterval()
	if last == nil || !last.IsOpen() {
		return spanErr(ErrMissingScheduleInterval, s.ID, "")
	}
	if ts < last.Start {
		return spanErr(ErrOutOfOrderTimestamp, s.ID, "off-CPU %g before on-CPU %g", ts, last.Start)
	}
	return nil
}

func (s *Span) offCPU(ts float64) {
	last := s.lastInterval()
	last.End = ts
	last.Closed = true
}
