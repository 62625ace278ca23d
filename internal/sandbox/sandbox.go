package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coderunr/runbox/internal/types"
)

// ErrLaunchFailure is returned when the container runtime cannot start a sandbox
var ErrLaunchFailure = errors.New("sandbox launch failed")

// Spec describes one sandbox to start.
type Spec struct {
	Name         string   // job-scoped container name
	Image        string   // runtime image (e.g. "python:3.11")
	Command      []string // compile+run command line inside the container
	WorkspaceDir string   // host directory mounted read-only at /app
	Limits       types.Limits
}

func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("sandbox name is required")
	}
	if s.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("sandbox command is required")
	}
	if s.WorkspaceDir == "" {
		return fmt.Errorf("workspace directory is required")
	}
	return nil
}

// ExitStatus is how a sandbox process ended
type ExitStatus struct {
	Code     int
	Signaled bool
	WallTime time.Duration
}

// Process is a running sandbox. Stdout and Stderr reach EOF once the process
// has exited or been killed. Kill and Release may be called more than once.
type Process interface {
	ID() string
	StartedAt() time.Time
	Limits() types.Limits
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. Call it after draining the output.
	Wait(ctx context.Context) (ExitStatus, error)
	Kill() error
	Release(ctx context.Context) error
}

// Launcher starts sandboxes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// launchError wraps err as a launch failure
func launchError(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLaunchFailure, format, err)
}
