package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/metrics"
	"github.com/coderunr/runbox/internal/types"
)

// DockerLauncher starts sandboxes through the Docker Engine API.
type DockerLauncher struct {
	cli    client.APIClient
	logger *logrus.Entry
}

// NewDockerLauncher connects to the Docker daemon configured in the environment
func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerLauncherWithClient(cli), nil
}

// NewDockerLauncherWithClient wraps an existing Docker API client
func NewDockerLauncherWithClient(cli client.APIClient) *DockerLauncher {
	return &DockerLauncher{
		cli:    cli,
		logger: logrus.WithField("component", "sandbox"),
	}
}

// Client returns the underlying Docker API client
func (d *DockerLauncher) Client() client.APIClient {
	return d.cli
}

// Launch creates, attaches and starts one container for spec
func (d *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := spec.validate(); err != nil {
		return nil, launchError("invalid spec", err)
	}

	started := time.Now()
	limits := spec.Limits
	pids := limits.MaxProcessCount

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		WorkingDir:      MountPoint,
		User:            sandboxUser,
		Env:             []string{"HOME=" + tmpfsPath},
		Tty:             false,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Binds:          []string{bind(spec.WorkspaceDir)},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{tmpfsPath: tmpfsOptions},
		Resources: container.Resources{
			NanoCPUs:   nanoCPUs(limits.CPUShare),
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes, // No swap allowed
			PidsLimit:  &pids,
			Ulimits:    ulimits(limits),
		},
	}, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, launchError(fmt.Sprintf("runtime image %s is not available", spec.Image), err)
		}
		return nil, launchError("failed to create container", err)
	}

	p := &dockerProcess{
		cli:    d.cli,
		id:     resp.ID,
		limits: limits,
		logger: d.logger.WithField("container", shortID(resp.ID)),
	}

	// Attach before start so no early output is lost.
	hijacked, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, launchError("failed to attach container", err)
	}
	p.attach(hijacked)

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove()
		return nil, launchError("failed to start container", err)
	}

	p.startedAt = time.Now()
	metrics.ContainerStartTime.Observe(float64(p.startedAt.Sub(started).Milliseconds()))
	p.logger.Debug("Container started")

	return p, nil
}

// dockerProcess is a running container attached over a hijacked connection
type dockerProcess struct {
	cli       client.APIClient
	id        string
	limits    types.Limits
	startedAt time.Time
	logger    *logrus.Entry

	hijacked dockertypes.HijackedResponse
	stdin    *hijackedStdin
	stdout   *io.PipeReader
	stderr   *io.PipeReader

	releaseOnce sync.Once
	releaseErr  error
}

// attach demultiplexes the attached stream into separate stdout and stderr pipes
func (p *dockerProcess) attach(hijacked dockertypes.HijackedResponse) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p.hijacked = hijacked
	p.stdin = &hijackedStdin{resp: hijacked}
	p.stdout = stdoutR
	p.stderr = stderrR

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		if err != nil {
			p.logger.WithError(err).Debug("Attach stream ended with error")
		}
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()
}

func (p *dockerProcess) ID() string            { return p.id }
func (p *dockerProcess) StartedAt() time.Time  { return p.startedAt }
func (p *dockerProcess) Limits() types.Limits  { return p.limits }
func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

// Wait blocks until the container is no longer running
func (p *dockerProcess) Wait(ctx context.Context) (ExitStatus, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)

	var code int
	select {
	case err := <-errCh:
		return ExitStatus{Code: -1}, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return ExitStatus{Code: -1}, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		code = int(status.StatusCode)
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}

	return ExitStatus{
		Code:     code,
		Signaled: code > 128,
		WallTime: p.wallTime(ctx),
	}, nil
}

// wallTime reads the container start and finish timestamps
func (p *dockerProcess) wallTime(ctx context.Context) time.Duration {
	fallback := time.Since(p.startedAt)

	inspect, err := p.cli.ContainerInspect(ctx, p.id)
	if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
		return fallback
	}

	startTime, err := dateparse.ParseAny(inspect.State.StartedAt)
	if err != nil {
		return fallback
	}
	finishTime, err := dateparse.ParseAny(inspect.State.FinishedAt)
	if err != nil || finishTime.Before(startTime) {
		return fallback
	}

	return finishTime.Sub(startTime)
}

// Kill sends SIGKILL to the container. Killing a stopped container is a no-op.
func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.cli.ContainerKill(ctx, p.id, "KILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to kill container: %w", err)
}

// Release closes the attach connection and force-removes the container
func (p *dockerProcess) Release(ctx context.Context) error {
	p.releaseOnce.Do(func() {
		// Conn is nil when the attach itself failed.
		if p.hijacked.Conn != nil {
			p.hijacked.Close()
		}

		err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			p.releaseErr = fmt.Errorf("failed to remove container: %w", err)
		}
	})
	return p.releaseErr
}

// remove cleans up a container that never started
func (p *dockerProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Release(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to remove container after launch failure")
	}
}

// hijackedStdin writes to the attach connection; Close half-closes it so the
// program sees end-of-input.
type hijackedStdin struct {
	resp dockertypes.HijackedResponse
	once sync.Once
	err  error
}

func (s *hijackedStdin) Write(b []byte) (int, error) {
	return s.resp.Conn.Write(b)
}

func (s *hijackedStdin) Close() error {
	s.once.Do(func() {
		s.err = s.resp.CloseWrite()
		if errors.Is(s.err, net.ErrClosed) {
			s.err = nil
		}
	})
	return s.err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
