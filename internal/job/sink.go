package job

import (
	"io"
	"sync"

	"github.com/coderunr/runbox/internal/types"
)

// Sink receives a job's output while it runs. WriteChunk is never called
// concurrently. Finish is called once with the classified outcome and
// nothing is written after it. A failed sink kills the sandbox.
type Sink interface {
	WriteChunk(stream types.Stream, p []byte) error
	Finish(outcome *types.ExecutionOutcome) error
}

type discard struct{}

func (discard) WriteChunk(types.Stream, []byte) error { return nil }
func (discard) Finish(*types.ExecutionOutcome) error  { return nil }

// Discard is a Sink that drops everything. The outcome still carries the
// captured output.
var Discard Sink = discard{}

type flusher interface {
	Flush()
}

// TextSink writes raw interleaved output followed by one trailer line
type TextSink struct {
	mutex   sync.Mutex
	w       io.Writer
	flusher flusher
	wrote   bool
	lastNL  bool
}

// NewTextSink creates a sink writing to w. If w can flush, every chunk is
// flushed as soon as it is written.
func NewTextSink(w io.Writer) *TextSink {
	s := &TextSink{w: w}
	if f, ok := w.(flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *TextSink) WriteChunk(_ types.Stream, p []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.wrote = true
	s.lastNL = p[len(p)-1] == '\n'
	s.flush()
	return nil
}

// Finish writes the trailer on its own line
func (s *TextSink) Finish(outcome *types.ExecutionOutcome) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	trailer := outcome.Trailer + "\n"
	if s.wrote && !s.lastNL {
		trailer = "\n" + trailer
	}
	if _, err := io.WriteString(s.w, trailer); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *TextSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
