package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Timestamp is a trace time in seconds since the trace epoch.
//
// On the wire it is either a plain number of seconds or a serialized
// duration of the form {"secs": 1, "nanos": 500}. Both decode to the same
// value; encoding always produces the {secs, nanos} form.
type Timestamp float64

type wireDuration struct {
	Secs  *int64 `json:"secs"`
	Nanos *int64 `json:"nanos"`
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("timestamp: missing value")
	}
	if data[0] != '{' {
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*ts = Timestamp(f)
		return nil
	}
	var d wireDuration
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if d.Secs == nil || d.Nanos == nil {
		return fmt.Errorf("timestamp: expected secs and nanos in %s", data)
	}
	*ts = Timestamp(float64(*d.Secs) + float64(*d.Nanos)/1e9)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	secs, frac := math.Modf(float64(ts))
	nanos := int64(math.Round(frac * 1e9))
	if nanos >= 1e9 {
		secs++
		nanos -= 1e9
	}
	return json.Marshal(struct {
		Secs  int64 `json:"secs"`
		Nanos int64 `json:"nanos"`
	}{int64(secs), nanos})
}

func (ts Timestamp) Seconds() float64 { return float64(ts) }

// Duration converts ts to a time.Duration, rounding to the nearest nanosecond.
func (ts Timestamp) Duration() time.Duration {
	return time.Duration(math.Round(float64(ts) * 1e9))
}
