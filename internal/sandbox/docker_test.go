package sandbox

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeContainerID = "0123456789abcdef0123"

// fakeDocker records the calls DockerLauncher makes. Methods it does not
// override panic through the nil embedded client.
type fakeDocker struct {
	client.APIClient

	createErr error
	attachErr error
	startErr  error
	exitCode  int64

	mutex      sync.Mutex
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
	removed    []string
	killed     []string

	// daemon is the daemon end of the attach connection
	daemon net.Conn
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.config = config
	f.hostConfig = hostConfig
	f.name = name
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: fakeContainerID}, nil
}

func (f *fakeDocker) ContainerAttach(_ context.Context, _ string, _ container.AttachOptions) (dockertypes.HijackedResponse, error) {
	if f.attachErr != nil {
		return dockertypes.HijackedResponse{}, f.attachErr
	}
	conn, daemon := net.Pipe()
	f.daemon = daemon
	return dockertypes.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id string, _ string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (dockertypes.ContainerJSON, error) {
	return dockertypes.ContainerJSON{}, errors.New("inspect unavailable")
}

func (f *fakeDocker) removedIDs() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.removed...)
}

func TestDockerLauncherPolicy(t *testing.T) {
	fake := &fakeDocker{}
	p, err := NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	require.NoError(t, err)
	defer p.Release(context.Background())

	assert.Equal(t, "runbox-test", fake.name)
	assert.Equal(t, fakeContainerID, p.ID())

	config := fake.config
	assert.Equal(t, "python:3.11", config.Image)
	assert.Equal(t, []string{"python", "-u", "/app/main.py"}, []string(config.Cmd))
	assert.Equal(t, "/app", config.WorkingDir)
	assert.Equal(t, "65534:65534", config.User)
	assert.Equal(t, []string{"HOME=/tmp"}, config.Env)
	assert.True(t, config.NetworkDisabled)
	assert.True(t, config.OpenStdin)
	assert.True(t, config.StdinOnce)
	assert.False(t, config.Tty)

	host := fake.hostConfig
	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.True(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Equal(t, []string{"no-new-privileges"}, host.SecurityOpt)
	assert.Equal(t, []string{"/tmp/run-test:/app:ro"}, host.Binds)
	assert.Equal(t, map[string]string{"/tmp": "rw,exec,nosuid,size=64m"}, host.Tmpfs)
	assert.Equal(t, int64(500000000), host.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), host.Memory)
	assert.Equal(t, host.Memory, host.MemorySwap)
	require.NotNil(t, host.PidsLimit)
	assert.Equal(t, int64(64), *host.PidsLimit)
	require.Len(t, host.Ulimits, 2)
	assert.Equal(t, "cpu=2:2", host.Ulimits[0].String())
	assert.Equal(t, "fsize=1048576:1048576", host.Ulimits[1].String())
}

func TestDockerLauncherImageNotFound(t *testing.T) {
	fake := &fakeDocker{createErr: errdefs.NotFound(errors.New("No such image: python:3.11"))}

	_, err := NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "runtime image python:3.11 is not available")
	assert.Empty(t, fake.removedIDs())
}

func TestDockerLauncherCreateFailure(t *testing.T) {
	fake := &fakeDocker{createErr: errors.New("Cannot connect to the Docker daemon")}

	_, err := NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "failed to create container")
	assert.Empty(t, fake.removedIDs())
}

func TestDockerLauncherAttachFailure(t *testing.T) {
	fake := &fakeDocker{attachErr: errors.New("hijack refused")}

	var err error
	require.NotPanics(t, func() {
		_, err = NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	})
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "failed to attach container")
	assert.Equal(t, []string{fakeContainerID}, fake.removedIDs())
}

func TestDockerLauncherStartFailure(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("OCI runtime create failed")}

	_, err := NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "failed to start container")
	assert.Equal(t, []string{fakeContainerID}, fake.removedIDs())

	// The attach connection was closed with the container
	_, err = fake.daemon.Write([]byte("x"))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDockerProcessStreams(t *testing.T) {
	fake := &fakeDocker{exitCode: 3}
	p, err := NewDockerLauncherWithClient(fake).Launch(context.Background(), testSpec())
	require.NoError(t, err)

	go func() {
		_, _ = stdcopy.NewStdWriter(fake.daemon, stdcopy.Stdout).Write([]byte("hello\n"))
		_, _ = stdcopy.NewStdWriter(fake.daemon, stdcopy.Stderr).Write([]byte("oops\n"))
		_ = fake.daemon.Close()
	}()

	stdout, stderr := readAll(t, p)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "oops\n", stderr)

	status, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Signaled)

	require.NoError(t, p.Kill())
	require.NoError(t, p.Release(context.Background()))
	require.NoError(t, p.Release(context.Background()))
	assert.Equal(t, []string{fakeContainerID}, fake.removedIDs())
	assert.Equal(t, []string{fakeContainerID}, fake.killed)
}
