package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDockerStub writes a shell script standing in for the docker CLI. Every
// invocation is appended to the returned calls file and then dispatched on
// its first argument through cases.
func writeDockerStub(t *testing.T, cases string) (binary, calls string) {
	t.Helper()

	dir := t.TempDir()
	binary = filepath.Join(dir, "docker")
	calls = filepath.Join(dir, "calls")

	script := "#!/bin/sh\n" +
		"echo \"$*\" >> " + calls + "\n" +
		"case \"$1\" in\n" + cases + "\nesac\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, calls
}

func readCalls(t *testing.T, calls string) []string {
	t.Helper()
	data, err := os.ReadFile(calls)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCommandLauncherDaemonUnreachable(t *testing.T) {
	binary, calls := writeDockerStub(t, `
*) echo "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?" >&2; exit 1 ;;`)

	_, err := NewCommandLauncher(binary).Launch(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "Cannot connect to the Docker daemon")

	for _, call := range readCalls(t, calls) {
		assert.False(t, strings.HasPrefix(call, "run "), "container must not be run: %s", call)
	}
}

func TestCommandLauncherMissingImage(t *testing.T) {
	binary, calls := writeDockerStub(t, `
image) echo "Error: No such image: python:3.11" >&2; exit 1 ;;`)

	_, err := NewCommandLauncher(binary).Launch(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "runtime image python:3.11 is not available")
	assert.Equal(t, []string{"image inspect --format {{.Id}} python:3.11"}, readCalls(t, calls))
}

func TestCommandLauncherProgramExitCode(t *testing.T) {
	binary, calls := writeDockerStub(t, `
image) echo sha256:0123 ;;
run) echo out; exit 125 ;;
inspect) echo "125|" ;;
rm) ;;`)

	p, err := NewCommandLauncher(binary).Launch(context.Background(), testSpec())
	require.NoError(t, err)
	require.NoError(t, p.Stdin().Close())

	stdout, stderr := readAll(t, p)
	assert.Equal(t, "out\n", stdout)
	assert.Empty(t, stderr)

	status, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 125, status.Code)
	assert.False(t, status.Signaled)

	require.NoError(t, p.Release(context.Background()))

	recorded := readCalls(t, calls)
	require.GreaterOrEqual(t, len(recorded), 3)
	assert.True(t, strings.HasPrefix(recorded[1], "run -i --name runbox-test --pull=never "))
	assert.Contains(t, recorded, "inspect --type container --format {{.State.ExitCode}}|{{.State.Error}} runbox-test")
	assert.Equal(t, "rm -f runbox-test", recorded[len(recorded)-1])
}

func TestCommandLauncherStartFailure(t *testing.T) {
	binary, _ := writeDockerStub(t, `
image) echo sha256:0123 ;;
run) echo "docker: Error response from daemon: failed to create task" >&2; exit 127 ;;
inspect) echo "127|failed to create task for container" ;;
rm) ;;`)

	p, err := NewCommandLauncher(binary).Launch(context.Background(), testSpec())
	require.NoError(t, err)
	defer p.Release(context.Background())
	readAll(t, p)

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "failed to create task for container")
}

func TestCommandLauncherContainerNotCreated(t *testing.T) {
	binary, _ := writeDockerStub(t, `
image) echo sha256:0123 ;;
run) echo "docker: invalid reference format" >&2; exit 125 ;;
inspect) echo "Error: No such object: runbox-test" >&2; exit 1 ;;
rm) echo "Error: No such container: runbox-test" >&2; exit 1 ;;`)

	p, err := NewCommandLauncher(binary).Launch(context.Background(), testSpec())
	require.NoError(t, err)
	readAll(t, p)

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrLaunchFailure)
	assert.ErrorContains(t, err, "container was not created")

	assert.NoError(t, p.Release(context.Background()))
}
