package sandbox

import (
	"fmt"
	"math"
	"strconv"

	units "github.com/docker/go-units"

	"github.com/coderunr/runbox/internal/types"
)

const (
	// MountPoint is where the workspace appears inside the sandbox
	MountPoint = "/app"

	tmpfsPath    = "/tmp"
	tmpfsOptions = "rw,exec,nosuid,size=64m"
	sandboxUser  = "65534:65534"
)

// ulimits returns the CPU-time and file-size ulimits for a sandbox
func ulimits(limits types.Limits) []*units.Ulimit {
	cpu := int64(math.Ceil(limits.CPUTime.Seconds()))
	if cpu < 1 {
		cpu = 1
	}

	return []*units.Ulimit{
		{Name: "cpu", Soft: cpu, Hard: cpu},
		{Name: "fsize", Soft: limits.OutputMaxSize, Hard: limits.OutputMaxSize},
	}
}

// nanoCPUs converts a CPU share into the Docker NanoCPUs unit
func nanoCPUs(share float64) int64 {
	return int64(share * 1e9)
}

// bind returns the read-only workspace mount
func bind(dir string) string {
	return dir + ":" + MountPoint + ":ro"
}

// runArgs builds a `docker run` argument list applying the same policy as
// the API launcher.
func runArgs(spec Spec) []string {
	limits := spec.Limits

	args := []string{
		"run", "-i",
		"--name", spec.Name,
		"--pull=never",
		"--network=none",
		"--read-only",
		"--tmpfs", tmpfsPath + ":" + tmpfsOptions,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user", sandboxUser,
		"--cpus", strconv.FormatFloat(limits.CPUShare, 'f', -1, 64),
		"--memory", fmt.Sprintf("%db", limits.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%db", limits.MemoryBytes),
		"--pids-limit", strconv.FormatInt(limits.MaxProcessCount, 10),
		"-e", "HOME=" + tmpfsPath,
		"-v", bind(spec.WorkspaceDir),
		"-w", MountPoint,
	}

	for _, u := range ulimits(limits) {
		args = append(args, "--ulimit", u.String())
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}
