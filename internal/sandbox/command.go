package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/types"
)

// CommandLauncher starts sandboxes by invoking the docker CLI. It applies the
// same isolation policy as DockerLauncher and is used where the Engine API
// socket is not reachable but the CLI is.
type CommandLauncher struct {
	Binary string
	logger *logrus.Entry
}

// NewCommandLauncher creates a launcher that shells out to binary
func NewCommandLauncher(binary string) *CommandLauncher {
	if binary == "" {
		binary = "docker"
	}
	return &CommandLauncher{
		Binary: binary,
		logger: logrus.WithField("component", "sandbox"),
	}
}

// runtimeErrorCode is the exit code `docker run` uses for its own failures
const runtimeErrorCode = 125

// Launch runs `docker run` for spec. The image is checked first so an
// unreachable daemon or a missing image never reaches the output streams.
func (c *CommandLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := spec.validate(); err != nil {
		return nil, launchError("invalid spec", err)
	}

	if _, err := exec.LookPath(c.Binary); err != nil {
		return nil, launchError("container runtime not found", err)
	}

	if _, err := c.docker(ctx, "image", "inspect", "--format", "{{.Id}}", spec.Image); err != nil {
		if isNoSuchObject(err) {
			return nil, launchError(fmt.Sprintf("runtime image %s is not available", spec.Image), err)
		}
		return nil, launchError("container runtime is not available", err)
	}

	// The container outlives a killed CLI client, so kill and removal go
	// through the runtime by container name.
	hooks := CommandHooks{
		Kill: func(ctx context.Context) error {
			return c.control(ctx, "kill", spec.Name)
		},
		Release: func(ctx context.Context) error {
			return c.control(ctx, "rm", "-f", spec.Name)
		},
		Exited: func(ctx context.Context, status ExitStatus) (ExitStatus, error) {
			return c.containerExit(ctx, spec.Name, status)
		},
	}

	c.logger.WithField("container", spec.Name).Debug("Starting container via CLI")

	return StartCommand(exec.Command(c.Binary, runArgs(spec)...), spec.Limits, hooks)
}

// containerExit reads the container state after the CLI client exited. A
// container that was never created or never started is a launch failure;
// otherwise the container's own exit code wins over the client's.
func (c *CommandLauncher) containerExit(ctx context.Context, name string, status ExitStatus) (ExitStatus, error) {
	out, err := c.docker(ctx, "inspect", "--type", "container", "--format", "{{.State.ExitCode}}|{{.State.Error}}", name)
	if err != nil {
		if isNoSuchObject(err) {
			return status, launchError("container was not created", fmt.Errorf("%s exited with code %d", c.Binary, status.Code))
		}
		if status.Code == runtimeErrorCode {
			return status, launchError("container runtime failed", err)
		}
		c.logger.WithError(err).WithField("container", name).Warn("Failed to inspect container")
		return status, nil
	}

	codeText, stateErr, _ := strings.Cut(out, "|")
	if stateErr = strings.TrimSpace(stateErr); stateErr != "" {
		return status, launchError("container failed to start", errors.New(stateErr))
	}

	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil {
		return status, nil
	}
	status.Code = code
	status.Signaled = code > 128
	return status, nil
}

// docker runs a docker CLI subcommand and returns its trimmed standard output
func (c *CommandLauncher) docker(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", c.Binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// control runs a docker CLI subcommand against an existing container.
// A container that is already gone or stopped is not an error.
func (c *CommandLauncher) control(ctx context.Context, args ...string) error {
	_, err := c.docker(ctx, args...)
	if err != nil && (isNoSuchObject(err) || strings.Contains(err.Error(), "is not running")) {
		return nil
	}
	return err
}

func isNoSuchObject(err error) bool {
	return strings.Contains(err.Error(), "No such")
}

// CommandHooks are extra actions run when a command-backed process is killed,
// released or reaped. Exited may rewrite the exit status or turn it into an
// error.
type CommandHooks struct {
	Kill    func(ctx context.Context) error
	Release func(ctx context.Context) error
	Exited  func(ctx context.Context, status ExitStatus) (ExitStatus, error)
}

// StartCommand starts cmd in its own process group and returns it as a
// Process. cmd must not have its standard streams set.
func StartCommand(cmd *exec.Cmd, limits types.Limits, hooks CommandHooks) (Process, error) {
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, launchError("failed to create stdin pipe", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, launchError("failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, launchError("failed to create stderr pipe", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, launchError("failed to start process", err)
	}

	// Only the child holds the write ends now.
	closeAll(stdoutW, stderrW)

	p := &commandProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdoutR,
		stderr:    stderrR,
		limits:    limits,
		hooks:     hooks,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.reap()

	return p, nil
}

type commandProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *os.File
	stderr    *os.File
	limits    types.Limits
	hooks     CommandHooks
	startedAt time.Time

	done    chan struct{}
	status  ExitStatus
	waitErr error

	killMutex   sync.Mutex
	releaseOnce sync.Once
	releaseErr  error
}

// reap waits for the process and records its exit status
func (p *commandProcess) reap() {
	err := p.cmd.Wait()

	status := ExitStatus{Code: -1, WallTime: time.Since(p.startedAt)}
	if state := p.cmd.ProcessState; state != nil {
		status.Code, status.Signaled = exitCode(state)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}

	p.status = status
	close(p.done)
}

func (p *commandProcess) ID() string            { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *commandProcess) StartedAt() time.Time  { return p.startedAt }
func (p *commandProcess) Limits() types.Limits  { return p.limits }
func (p *commandProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *commandProcess) Stdout() io.Reader     { return p.stdout }
func (p *commandProcess) Stderr() io.Reader     { return p.stderr }

// Wait blocks until the process has been reaped
func (p *commandProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}

	if p.waitErr != nil || p.hooks.Exited == nil {
		return p.status, p.waitErr
	}
	return p.hooks.Exited(ctx, p.status)
}

// Kill terminates the whole process group and runs the kill hook
func (p *commandProcess) Kill() error {
	p.killMutex.Lock()
	defer p.killMutex.Unlock()

	var errs []error
	if p.hooks.Kill != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, p.hooks.Kill(ctx))
		cancel()
	}
	errs = append(errs, killGroup(p.cmd.Process))

	return errors.Join(errs...)
}

// Release kills the process if it is still running, waits for it and closes
// the output pipes
func (p *commandProcess) Release(ctx context.Context) error {
	p.releaseOnce.Do(func() {
		var errs []error

		select {
		case <-p.done:
		default:
			errs = append(errs, p.Kill())
		}

		select {
		case <-p.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("process %d was not reaped: %w", p.cmd.Process.Pid, ctx.Err()))
		}

		closeAll(p.stdout, p.stderr)

		if p.hooks.Release != nil {
			errs = append(errs, p.hooks.Release(ctx))
		}

		p.releaseErr = errors.Join(errs...)
	})
	return p.releaseErr
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
