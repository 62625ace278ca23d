package job

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/runbox/internal/sandbox"
	"github.com/coderunr/runbox/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		reason  types.TerminationReason
		trailer string
	}{
		{"Completed", Status{ExitCode: 0}, types.ReasonCompleted, "Execution finished"},
		{"Non-zero exit", Status{ExitCode: 2}, types.ReasonNonZeroExit, "Process exited with code 2"},
		{"Killed by signal", Status{ExitCode: 137}, types.ReasonNonZeroExit, "Process exited with code 137"},
		{"Timed out with zero exit", Status{TimedOut: true, ExitCode: 0}, types.ReasonTimedOut, "Time Limit Exceeded"},
		{"Timed out after kill", Status{TimedOut: true, ExitCode: 137}, types.ReasonTimedOut, "Time Limit Exceeded"},
		{
			"Launch failure",
			Status{LaunchErr: errors.New("sandbox launch failed: image missing\nretry later")},
			types.ReasonLaunchFailure,
			"sandbox launch failed: image missing retry later",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Classify(tt.status)
			assert.Equal(t, tt.reason, verdict.Reason)
			assert.Equal(t, tt.trailer, verdict.Trailer)
			assert.True(t, verdict.Reason.Valid())
		})
	}
}

func TestSupervisorFiresOnce(t *testing.T) {
	var kills atomic.Int32
	s := Supervise(50*time.Millisecond, func() error {
		kills.Add(1)
		return nil
	}, logrus.NewEntry(logrus.New()))

	assert.Eventually(t, s.TimedOut, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	s.Stop()
	s.Stop()
	assert.Equal(t, int32(1), kills.Load())
}

func TestSupervisorStopBeforeDeadline(t *testing.T) {
	var kills atomic.Int32
	s := Supervise(50*time.Millisecond, func() error {
		kills.Add(1)
		return nil
	}, logrus.NewEntry(logrus.New()))

	s.Stop()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.False(t, s.TimedOut())
	assert.Equal(t, int32(0), kills.Load())
}

func TestCleanupReleasesInReverseOnce(t *testing.T) {
	var order []string
	c := NewCleanup(logrus.NewEntry(logrus.New()), time.Second)
	c.Add("workspace", func(context.Context) error {
		order = append(order, "workspace")
		return nil
	})
	c.Add("sandbox", func(context.Context) error {
		order = append(order, "sandbox")
		return errors.New("remove failed")
	})

	err := c.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox: remove failed")
	assert.Equal(t, []string{"sandbox", "workspace"}, order)

	assert.NoError(t, c.Run())
	assert.Equal(t, []string{"sandbox", "workspace"}, order)
}

func TestCleanupRunsAfterPanic(t *testing.T) {
	released := false
	c := NewCleanup(logrus.NewEntry(logrus.New()), time.Second)
	c.Add("workspace", func(context.Context) error {
		released = true
		return nil
	})

	assert.Panics(t, func() {
		defer c.Run()
		panic("stream exploded")
	})
	assert.True(t, released)
}

func TestProvisionWorkspace(t *testing.T) {
	root := t.TempDir()
	job := types.Job{
		ID:         "job-1",
		SourceCode: "print('hi')",
		Profile:    types.LanguageProfile{Language: "python", SourceFile: "main.py"},
	}

	first, err := ProvisionWorkspace(root, job)
	require.NoError(t, err)
	second, err := ProvisionWorkspace(root, job)
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, root, filepath.Dir(first.Path))
	assert.Equal(t, filepath.Join(first.Path, "main.py"), first.SourceFilePath)

	content, err := os.ReadFile(first.SourceFilePath)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(content))

	info, err := os.Stat(first.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())
	_, err = os.Stat(first.Path)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(second.Path)
	assert.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestProvisionWorkspaceMissingRoot(t *testing.T) {
	job := types.Job{ID: "job-2", Profile: types.LanguageProfile{SourceFile: "main.c"}}

	_, err := ProvisionWorkspace(filepath.Join(t.TempDir(), "missing"), job)
	assert.Error(t, err)
}

func TestTextSink(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"No output", nil, "Execution finished\n"},
		{"Terminated output", []string{"a\n", "b\n"}, "a\nb\nExecution finished\n"},
		{"Unterminated output", []string{"a\n", "b"}, "a\nb\nExecution finished\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewTextSink(&buf)
			for _, chunk := range tt.chunks {
				require.NoError(t, sink.WriteChunk(types.StreamStdout, []byte(chunk)))
			}
			require.NoError(t, sink.Finish(&types.ExecutionOutcome{Trailer: "Execution finished"}))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestTextSinkFlushesEveryChunk(t *testing.T) {
	var rec flushRecorder
	sink := NewTextSink(&rec)

	require.NoError(t, sink.WriteChunk(types.StreamStdout, []byte("one")))
	require.NoError(t, sink.WriteChunk(types.StreamStderr, []byte("two")))
	assert.Equal(t, 2, rec.flushes)
}

func TestMultiplexBudgetSpansStreams(t *testing.T) {
	proc := startShell(t, "printf 12345; printf 67890 1>&2")

	var got bytes.Buffer
	sink := sinkFunc(func(_ types.Stream, p []byte) error {
		got.Write(p)
		return nil
	})

	result, err := multiplex(proc, "", sink, 6, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	assert.True(t, result.truncated)
	assert.Equal(t, 6, got.Len())
	assert.Equal(t, 6, result.stdout.Len()+result.stderr.Len())

	require.NoError(t, proc.Release(context.Background()))
}

type sinkFunc func(types.Stream, []byte) error

func (f sinkFunc) WriteChunk(s types.Stream, p []byte) error { return f(s, p) }
func (f sinkFunc) Finish(*types.ExecutionOutcome) error      { return nil }

func startShell(t *testing.T, script string) sandbox.Process {
	t.Helper()
	launcher := &shellLauncher{}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.sh"), []byte(script), 0644))

	proc, err := launcher.Launch(context.Background(), sandbox.Spec{WorkspaceDir: dir})
	require.NoError(t, err)
	return proc
}
