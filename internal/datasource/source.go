package datasource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sujayakar/cyclotron/internal/trace"
)

// ErrTruncated is reported when the trace file shrinks under the reader.
var ErrTruncated = errors.New("trace file truncated")

// PollResult summarizes one Poll.
type PollResult struct {
	// Applied is the number of events applied to the model.
	Applied int
	// Pending is set when complete lines are still buffered because the
	// batch limit was reached.
	Pending bool
}

// Source follows a growing trace file and feeds its events into a model.
// Only complete lines are applied; a trailing partial line waits for the
// rest of its bytes.
//
// The first event the model rejects stops ingestion for good, and Err
// reports it from then on.
type Source struct {
	path  string
	batch int
	log   *slog.Logger

	mu     sync.Mutex
	f      *os.File
	offset int64
	buf    []byte
	line   int
	model  *trace.Model
	err    error
}

// Open opens path for tailing. batch caps the events applied per Poll; zero
// means no cap.
func Open(path string, batch int, log *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		path:  path,
		batch: batch,
		log:   log.With("trace", path),
		f:     f,
		model: trace.NewModel(),
	}, nil
}

func (s *Source) Path() string { return s.path }

// Poll reads whatever was appended since the last call and applies the
// complete lines.
func (s *Source) Poll() (PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return PollResult{}, s.err
	}
	if err := s.read(); err != nil {
		s.fail(err)
		return PollResult{}, err
	}

	var res PollResult
	for {
		if s.batch > 0 && res.Applied >= s.batch {
			res.Pending = bytes.IndexByte(s.buf, '\n') >= 0
			break
		}
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		raw := bytes.TrimSpace(s.buf[:i])
		s.buf = s.buf[i+1:]
		s.line++
		if len(raw) == 0 {
			continue
		}

		ev, err := trace.DecodeEvent(raw)
		if err == nil {
			err = s.model.Apply(ev)
		}
		if err != nil {
			err = fmt.Errorf("%s:%d: %w", s.path, s.line, err)
			s.fail(err)
			return res, err
		}
		res.Applied++
	}

	if res.Applied > 0 {
		s.log.Debug("applied events", "count", res.Applied, "pending", res.Pending, "spans", s.model.NumSpans())
	}
	return res, nil
}

func (s *Source) read() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	if info.Size() < s.offset {
		return fmt.Errorf("%s: size %d below read offset %d: %w", s.path, info.Size(), s.offset, ErrTruncated)
	}
	if info.Size() == s.offset {
		return nil
	}

	chunk := make([]byte, info.Size()-s.offset)
	n, err := s.f.ReadAt(chunk, s.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	s.offset += int64(n)
	s.buf = append(s.buf, chunk[:n]...)
	return nil
}

func (s *Source) fail(err error) {
	s.err = err
	s.log.Error("trace ingestion stopped", "err", err)
}

// Err returns the error that stopped ingestion, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// View runs fn with exclusive access to the model. fn must not retain m.
func (s *Source) View(fn func(m *trace.Model)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.model)
}

// Update runs fn with exclusive access to the model for view-state changes
// such as collapsing a span.
func (s *Source) Update(fn func(m *trace.Model) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.model)
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
