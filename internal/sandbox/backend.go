package sandbox

import (
	"fmt"

	"github.com/coderunr/runbox/internal/config"
)

// NewBackend creates the launcher and image store for the configured backend
func NewBackend(cfg *config.Config) (Launcher, ImageStore, error) {
	switch cfg.SandboxBackend {
	case config.BackendCLI:
		return NewCommandLauncher(cfg.DockerBinary), NewCommandImages(cfg.DockerBinary), nil
	case config.BackendDocker:
		launcher, err := NewDockerLauncher()
		if err != nil {
			return nil, nil, err
		}
		return launcher, NewDockerImages(launcher.Client()), nil
	default:
		return nil, nil, fmt.Errorf("unknown sandbox backend %q", cfg.SandboxBackend)
	}
}
