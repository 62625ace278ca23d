package job

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coderunr/runbox/internal/metrics"
	"github.com/coderunr/runbox/internal/sandbox"
	"github.com/coderunr/runbox/internal/types"
)

const chunkSize = 32 * 1024

// streamResult is the output forwarded from one sandbox
type streamResult struct {
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	truncated bool
}

// forwarder serializes chunks from both streams into the sink and enforces
// the output budget across them
type forwarder struct {
	mutex      sync.Mutex
	sink       Sink
	remaining  int64
	result     *streamResult
	sinkFailed error
	kill       func() error
}

func (f *forwarder) forward(stream types.Stream, p []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.sinkFailed != nil {
		return nil
	}

	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
		f.result.truncated = true
	}
	if len(p) == 0 {
		return nil
	}
	f.remaining -= int64(len(p))

	switch stream {
	case types.StreamStdout:
		f.result.stdout.Write(p)
	case types.StreamStderr:
		f.result.stderr.Write(p)
	}
	metrics.OutputBytes.WithLabelValues(string(stream)).Add(float64(len(p)))

	if err := f.sink.WriteChunk(stream, p); err != nil {
		f.sinkFailed = err
		_ = f.kill()
		return err
	}
	return nil
}

// multiplex writes stdin to the process, then forwards stdout and stderr to
// sink as they arrive until both reach end-of-stream. Output beyond limit
// bytes is read and dropped.
func multiplex(proc sandbox.Process, stdin string, sink Sink, limit int64, logger *logrus.Entry) (streamResult, error) {
	var result streamResult

	go writeStdin(proc.Stdin(), stdin, logger)

	f := &forwarder{
		sink:      sink,
		remaining: limit,
		result:    &result,
		kill:      proc.Kill,
	}

	var g errgroup.Group
	g.Go(func() error { return drain(proc.Stdout(), types.StreamStdout, f) })
	g.Go(func() error { return drain(proc.Stderr(), types.StreamStderr, f) })
	if err := g.Wait(); err != nil {
		logger.WithError(err).Debug("Output stream ended with error")
	}

	return result, f.sinkFailed
}

// drain reads r until EOF. After a sink failure the remaining output is
// still consumed so the process is never blocked on a full pipe.
func drain(r io.Reader, stream types.Stream, f *forwarder) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Sink errors are reported through the forwarder
			_ = f.forward(stream, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// writeStdin writes the job's input once and closes the stream
func writeStdin(w io.WriteCloser, stdin string, logger *logrus.Entry) {
	if stdin != "" {
		if _, err := io.WriteString(w, stdin); err != nil {
			// The program may exit without reading its input
			logger.WithError(err).Debug("Failed to write stdin")
		}
	}
	if err := w.Close(); err != nil {
		logger.WithError(err).Debug("Failed to close stdin")
	}
}
