package sandbox

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coderunr/runbox/internal/config"
)

func testSpec() Spec {
	return Spec{
		Name:         "runbox-test",
		Image:        "python:3.11",
		Command:      []string{"python", "-u", "/app/main.py"},
		WorkspaceDir: "/tmp/run-test",
		Limits:       config.DefaultLimits(),
	}
}

func TestRunArgs(t *testing.T) {
	args := runArgs(testSpec())
	joined := strings.Join(args, " ")

	assert.Equal(t, "run", args[0])
	for _, want := range []string{
		"--name runbox-test",
		"--pull=never",
		"--network=none",
		"--read-only",
		"--tmpfs /tmp:rw,exec,nosuid,size=64m",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user 65534:65534",
		"--cpus 0.5",
		"--memory 268435456b",
		"--memory-swap 268435456b",
		"--pids-limit 64",
		"-v /tmp/run-test:/app:ro",
		"-w /app",
		"--ulimit cpu=2:2",
		"--ulimit fsize=1048576:1048576",
	} {
		assert.Contains(t, joined, want)
	}

	assert.Equal(t, []string{"python:3.11", "python", "-u", "/app/main.py"}, args[len(args)-4:])
}

func TestUlimitsRoundCPUUp(t *testing.T) {
	limits := config.DefaultLimits()
	limits.CPUTime = 1500 * time.Millisecond
	assert.Equal(t, int64(2), ulimits(limits)[0].Hard)

	limits.CPUTime = 100 * time.Millisecond
	assert.Equal(t, int64(1), ulimits(limits)[0].Hard)
}

func TestNanoCPUs(t *testing.T) {
	assert.Equal(t, int64(500000000), nanoCPUs(0.5))
	assert.Equal(t, int64(2000000000), nanoCPUs(2))
}

func TestSpecValidate(t *testing.T) {
	spec := testSpec()
	assert.NoError(t, spec.validate())

	spec.Image = ""
	assert.Error(t, spec.validate())

	_, err := NewCommandLauncher("docker").Launch(context.Background(), spec)
	assert.ErrorIs(t, err, ErrLaunchFailure)
}

func TestCommandLauncherMissingBinary(t *testing.T) {
	_, err := NewCommandLauncher("definitely-not-a-container-runtime").Launch(context.Background(), testSpec())
	assert.ErrorIs(t, err, ErrLaunchFailure)
}

func readAll(t *testing.T, p Process) (string, string) {
	t.Helper()
	var stdout, stderr []byte
	var g errgroup.Group
	g.Go(func() (err error) {
		stdout, err = io.ReadAll(p.Stdout())
		return err
	})
	g.Go(func() (err error) {
		stderr, err = io.ReadAll(p.Stderr())
		return err
	})
	require.NoError(t, g.Wait())
	return string(stdout), string(stderr)
}

func TestStartCommand(t *testing.T) {
	p, err := StartCommand(exec.Command("sh", "-c", "cat; echo oops 1>&2; exit 3"), config.DefaultLimits(), CommandHooks{})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.False(t, p.StartedAt().IsZero())

	_, err = io.WriteString(p.Stdin(), "echoed\n")
	require.NoError(t, err)
	require.NoError(t, p.Stdin().Close())

	stdout, stderr := readAll(t, p)
	assert.Equal(t, "echoed\n", stdout)
	assert.Equal(t, "oops\n", stderr)

	status, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Signaled)

	require.NoError(t, p.Release(context.Background()))
	require.NoError(t, p.Release(context.Background()))
}

func TestStartCommandKill(t *testing.T) {
	var hookCalls, releaseCalls int
	hooks := CommandHooks{
		Kill: func(context.Context) error {
			hookCalls++
			return nil
		},
		Release: func(context.Context) error {
			releaseCalls++
			return nil
		},
	}

	// The child sleep shares the process group and must die too
	p, err := StartCommand(exec.Command("sh", "-c", "sleep 30; echo late"), config.DefaultLimits(), hooks)
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill())

	stdout, _ := readAll(t, p)
	assert.Empty(t, stdout)

	status, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 137, status.Code)
	assert.True(t, status.Signaled)
	assert.Less(t, time.Since(started), 5*time.Second)

	require.NoError(t, p.Release(context.Background()))
	require.NoError(t, p.Release(context.Background()))
	assert.Equal(t, 2, hookCalls)
	assert.Equal(t, 1, releaseCalls)
}

func TestReleaseReapsRunningProcess(t *testing.T) {
	p, err := StartCommand(exec.Command("sh", "-c", "while :; do :; done"), config.DefaultLimits(), CommandHooks{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Release(ctx))

	status, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, status.Signaled)
}

func TestNewBackend(t *testing.T) {
	launcher, images, err := NewBackend(&config.Config{SandboxBackend: config.BackendCLI, DockerBinary: "docker"})
	require.NoError(t, err)
	assert.IsType(t, &CommandLauncher{}, launcher)
	assert.IsType(t, &CommandImages{}, images)

	_, _, err = NewBackend(&config.Config{SandboxBackend: "podman"})
	assert.ErrorContains(t, err, "unknown sandbox backend")
}
