package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4000", cfg.GetBindAddress())
	assert.Equal(t, os.TempDir(), cfg.WorkspaceRoot)
	assert.Equal(t, 16, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3*time.Second, cfg.RunTimeout)
	assert.Equal(t, 200*1024, cfg.PayloadLimit)
	assert.Equal(t, BackendDocker, cfg.SandboxBackend)
	assert.Equal(t, logrus.InfoLevel, cfg.GetLogLevel())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	limits := cfg.Limits()
	assert.Equal(t, DefaultLimits(), limits)
	assert.Equal(t, int64(256*1024*1024), limits.MemoryBytes)
	assert.Equal(t, int64(1024*1024), limits.OutputMaxSize)
	assert.Equal(t, int64(64), limits.MaxProcessCount)
	assert.Equal(t, 3*time.Second, limits.WallTime)
	assert.Equal(t, 2*time.Second, limits.CPUTime)
	assert.InDelta(t, 0.5, limits.CPUShare, 0.0001)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RUNBOX_RUN_TIMEOUT", "5s")
	t.Setenv("RUNBOX_MEMORY_LIMIT", "512m")
	t.Setenv("RUNBOX_WORKSPACE_ROOT", root)
	t.Setenv("RUNBOX_SANDBOX_BACKEND", BackendCLI)
	t.Setenv("RUNBOX_LOG_LEVEL", "debug")
	t.Setenv("RUNBOX_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("PORT", "8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.RunTimeout)
	assert.Equal(t, int64(512*1024*1024), cfg.Limits().MemoryBytes)
	assert.Equal(t, root, cfg.WorkspaceRoot)
	assert.Equal(t, BackendCLI, cfg.SandboxBackend)
	assert.Equal(t, logrus.DebugLevel, cfg.GetLogLevel())
	assert.Equal(t, "0.0.0.0:8080", cfg.GetBindAddress())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "backend", key: "RUNBOX_SANDBOX_BACKEND", value: "podman"},
		{name: "memory", key: "RUNBOX_MEMORY_LIMIT", value: "lots"},
		{name: "output size", key: "RUNBOX_OUTPUT_MAX_SIZE", value: "-"},
		{name: "timeout", key: "RUNBOX_RUN_TIMEOUT", value: "0s"},
		{name: "workspace root", key: "RUNBOX_WORKSPACE_ROOT", value: "/nonexistent/runbox"},
		{name: "log level", key: "RUNBOX_LOG_LEVEL", value: "loud"},
		{name: "slots", key: "RUNBOX_MAX_CONCURRENT_JOBS", value: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}
