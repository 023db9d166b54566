package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SpanID identifies a span. Ids are assigned by the traced program and are
// never reused within a trace.
type SpanID uint64

// WakeupID identifies a wakeup record.
type WakeupID uint64

// Event is one trace event. The set of implementations is closed: ThreadStart,
// ThreadEnd, AsyncStart, AsyncEnd, AsyncOnCPU, AsyncOffCPU, SyncStart, SyncEnd
// and Wakeup.
type Event interface {
	// Kind is the event's tag on the wire, e.g. "AsyncStart".
	Kind() string
	Time() Timestamp
	isEvent()
}

type ThreadStart struct {
	Name      string    `json:"name"`
	ID        SpanID    `json:"id"`
	TS        Timestamp `json:"ts"`
	IsRestart bool      `json:"is_restart,omitempty"`
}

type ThreadEnd struct {
	ID SpanID    `json:"id"`
	TS Timestamp `json:"ts"`
}

type AsyncStart struct {
	Name      string          `json:"name"`
	ParentID  SpanID          `json:"parent_id"`
	ID        SpanID          `json:"id"`
	TS        Timestamp       `json:"ts"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	IsRestart bool            `json:"is_restart,omitempty"`
}

type AsyncEnd struct {
	ID      SpanID    `json:"id"`
	TS      Timestamp `json:"ts"`
	Outcome Outcome   `json:"outcome"`
}

type AsyncOnCPU struct {
	ID SpanID    `json:"id"`
	TS Timestamp `json:"ts"`
}

type AsyncOffCPU struct {
	ID SpanID    `json:"id"`
	TS Timestamp `json:"ts"`
}

// SyncStart opens a span that is on-CPU for its whole lifetime.
type SyncStart struct {
	Name     string          `json:"name"`
	ParentID SpanID          `json:"parent_id"`
	ID       SpanID          `json:"id"`
	TS       Timestamp       `json:"ts"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type SyncEnd struct {
	ID SpanID    `json:"id"`
	TS Timestamp `json:"ts"`
}

// Wakeup records that WakingSpan woke ParkedSpan. ID is optional on the
// wire; the model numbers records sequentially when it is absent.
type Wakeup struct {
	ID         *WakeupID `json:"id,omitempty"`
	WakingSpan SpanID    `json:"waking_span"`
	ParkedSpan SpanID    `json:"parked_span"`
	TS         Timestamp `json:"ts"`
}

func (ThreadStart) Kind() string { return "ThreadStart" }
func (ThreadEnd) Kind() string   { return "ThreadEnd" }
func (AsyncStart) Kind() string  { return "AsyncStart" }
func (AsyncEnd) Kind() string    { return "AsyncEnd" }
func (AsyncOnCPU) Kind() string  { return "AsyncOnCPU" }
func (AsyncOffCPU) Kind() string { return "AsyncOffCPU" }
func (SyncStart) Kind() string   { return "SyncStart" }
func (SyncEnd) Kind() string     { return "SyncEnd" }
func (Wakeup) Kind() string      { return "Wakeup" }

func (e ThreadStart) Time() Timestamp { return e.TS }
func (e ThreadEnd) Time() Timestamp   { return e.TS }
func (e AsyncStart) Time() Timestamp  { return e.TS }
func (e AsyncEnd) Time() Timestamp    { return e.TS }
func (e AsyncOnCPU) Time() Timestamp  { return e.TS }
func (e AsyncOffCPU) Time() Timestamp { return e.TS }
func (e SyncStart) Time() Timestamp   { return e.TS }
func (e SyncEnd) Time() Timestamp     { return e.TS }
func (e Wakeup) Time() Timestamp      { return e.TS }

func (ThreadStart) isEvent() {}
func (ThreadEnd) isEvent()   {}
func (AsyncStart) isEvent()  {}
func (AsyncEnd) isEvent()    {}
func (AsyncOnCPU) isEvent()  {}
func (AsyncOffCPU) isEvent() {}
func (SyncStart) isEvent()   {}
func (SyncEnd) isEvent()     {}
func (Wakeup) isEvent()      {}

// OutcomeKind is how an async span finished.
type OutcomeKind uint8

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeSuccess
	OutcomeCancelled
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeCancelled:
		return "Cancelled"
	case OutcomeError:
		return "Error"
	}
	return "Unknown"
}

// Outcome is encoded as "Success", "Cancelled" or {"Error": "message"}.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

func (o Outcome) String() string {
	if o.Kind == OutcomeError && o.Message != "" {
		return "Error: " + o.Message
	}
	return o.Kind.String()
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = Outcome{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "Success":
			*o = Outcome{Kind: OutcomeSuccess}
		case "Cancelled":
			*o = Outcome{Kind: OutcomeCancelled}
		default:
			return fmt.Errorf("unknown outcome %q", s)
		}
		return nil
	}
	var e struct {
		Error *string `json:"Error"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	if e.Error == nil {
		return fmt.Errorf("unknown outcome %s", data)
	}
	*o = Outcome{Kind: OutcomeError, Message: *e.Error}
	return nil
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OutcomeSuccess, OutcomeCancelled:
		return json.Marshal(o.Kind.String())
	case OutcomeError:
		return json.Marshal(map[string]string{"Error": o.Message})
	}
	return []byte("null"), nil
}

// DecodeEvent parses a single externally tagged event such as
// {"AsyncOnCPU": {"id": 3, "ts": 1.5}}.
func DecodeEvent(data []byte) (Event, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if len(env) != 1 {
		return nil, fmt.Errorf("decode event: expected one variant, got %d: %w", len(env), ErrUnrecognizedEvent)
	}
	var (
		kind string
		body json.RawMessage
	)
	for k, v := range env {
		kind, body = k, v
	}

	var ev Event
	var err error
	switch kind {
	case "ThreadStart":
		ev, err = decodeAs[ThreadStart](body)
	case "ThreadEnd":
		ev, err = decodeAs[ThreadEnd](body)
	case "AsyncStart":
		ev, err = decodeAs[AsyncStart](body)
	case "AsyncEnd":
		ev, err = decodeAs[AsyncEnd](body)
	case "AsyncOnCPU":
		ev, err = decodeAs[AsyncOnCPU](body)
	case "AsyncOffCPU":
		ev, err = decodeAs[AsyncOffCPU](body)
	case "SyncStart":
		ev, err = decodeAs[SyncStart](body)
	case "SyncEnd":
		ev, err = decodeAs[SyncEnd](body)
	case "Wakeup":
		ev, err = decodeAs[Wakeup](body)
	default:
		return nil, fmt.Errorf("decode event: %q: %w", kind, ErrUnrecognizedEvent)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func decodeAs[T Event](body json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeEvent serializes ev in the externally tagged form accepted by
// DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode event: nil: %w", ErrUnrecognizedEvent)
	}
	return json.Marshal(map[string]Event{ev.Kind(): ev})
}

// Decoder reads newline-delimited events. Blank lines are skipped.
type Decoder struct {
	r    *bufio.Reader
	line int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF once the input is exhausted. A
// final line without a trailing newline is still decoded.
func (d *Decoder) Next() (Event, error) {
	for {
		buf, err := d.r.ReadBytes('\n')
		if len(buf) == 0 && err != nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		d.line++
		buf = bytes.TrimSpace(buf)
		if len(buf) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		ev, derr := DecodeEvent(buf)
		if derr != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, derr)
		}
		return ev, nil
	}
}

// Encoder writes newline-delimited events.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(ev Event) error {
	buf, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	_, err = e.w.Write(buf)
	return err
}
