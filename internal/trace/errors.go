package trace

import (
	"errors"
	"fmt"
)

// Errors reported by Model.Apply. All of them describe malformed input except
// ErrLaneInvariant, which is only ever raised through a panic.
var (
	ErrDuplicateID             = errors.New("duplicate id")
	ErrDuplicateThreadName     = fmt.Errorf("%w: thread name", ErrDuplicateID)
	ErrMissingSpan             = errors.New("missing span")
	ErrDoubleClose             = errors.New("double close")
	ErrDoubleOpen              = errors.New("double open")
	ErrMissingScheduleInterval = errors.New("missing schedule interval")
	ErrSpanClosed              = errors.New("span already closed")
	ErrOutOfOrderTimestamp     = errors.New("out of order timestamp")
	ErrUnrecognizedEvent       = errors.New("unrecognized event")
	ErrLaneInvariant           = errors.New("lane invariant violation")
)

func spanErr(err error, id SpanID, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("span %d: %w", id, err)
	}
	return fmt.Errorf("span %d: %s: %w", id, fmt.Sprintf(format, args...), err)
}
