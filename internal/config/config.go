package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/coderunr/runbox/internal/types"
)

// Sandbox backends
const (
	BackendDocker = "docker"
	BackendCLI    = "cli"
)

const (
	defaultMemoryLimit   = "256m"
	defaultOutputMaxSize = "1m"
)

// DefaultLimits returns the per-job resource limits used when none are configured
func DefaultLimits() types.Limits {
	memory, _ := units.RAMInBytes(defaultMemoryLimit)
	output, _ := units.RAMInBytes(defaultOutputMaxSize)

	return types.Limits{
		CPUShare:        0.5,
		MemoryBytes:     memory,
		MaxProcessCount: 64,
		CPUTime:         2 * time.Second,
		OutputMaxSize:   output,
		WallTime:        3 * time.Second,
	}
}

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel      string `mapstructure:"log_level"`
	BindAddress   string `mapstructure:"bind_address"`
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// Job admission
	MaxConcurrentJobs int   `mapstructure:"max_concurrent_jobs"`
	RequestBodyLimit  int64 `mapstructure:"request_body_limit"`
	PayloadLimit      int   `mapstructure:"payload_limit"`

	// Sandbox limits
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	KillGrace       time.Duration `mapstructure:"kill_grace"`
	CPUShare        float64       `mapstructure:"cpu_share"`
	MemoryLimit     string        `mapstructure:"memory_limit"`
	MaxProcessCount int64         `mapstructure:"max_process_count"`
	CPUTime         time.Duration `mapstructure:"cpu_time"`
	OutputMaxSize   string        `mapstructure:"output_max_size"`

	// Sandbox backend
	SandboxBackend    string `mapstructure:"sandbox_backend"`
	DockerBinary      string `mapstructure:"docker_binary"`
	PullImagesOnStart bool   `mapstructure:"pull_images_on_start"`
	LanguagesFile     string `mapstructure:"languages_file"`

	// Browser origins allowed by CORS; "*" allows any
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Rate limiting on execution routes
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	GlobalRPS      float64 `mapstructure:"global_rps"`
}

// Load loads configuration from .env, environment variables and config files
func Load() (*Config, error) {
	// A missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	limits := DefaultLimits()

	// Set default values
	v.SetDefault("log_level", "INFO")
	v.SetDefault("bind_address", getEnvOrDefault("PORT", "4000"))
	v.SetDefault("workspace_root", os.TempDir())
	v.SetDefault("max_concurrent_jobs", 16)
	v.SetDefault("request_body_limit", 256*1024)
	v.SetDefault("payload_limit", 200*1024)
	v.SetDefault("run_timeout", limits.WallTime)
	v.SetDefault("kill_grace", "2s")
	v.SetDefault("cpu_share", limits.CPUShare)
	v.SetDefault("memory_limit", defaultMemoryLimit)
	v.SetDefault("max_process_count", limits.MaxProcessCount)
	v.SetDefault("cpu_time", limits.CPUTime)
	v.SetDefault("output_max_size", defaultOutputMaxSize)
	v.SetDefault("sandbox_backend", BackendDocker)
	v.SetDefault("docker_binary", "docker")
	v.SetDefault("pull_images_on_start", false)
	v.SetDefault("languages_file", "")
	v.SetDefault("rate_limit_rps", 5)
	v.SetDefault("rate_limit_burst", 10)
	v.SetDefault("global_rps", 100)
	v.SetDefault("cors_origins", []string{"*"})

	// Set environment variable prefix
	v.SetEnvPrefix("RUNBOX")
	v.AutomaticEnv()

	// Try to read config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runbox/")
	v.AddConfigPath("$HOME/.runbox/")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate validates the configuration
func validate(config *Config) error {
	if info, err := os.Stat(config.WorkspaceRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace root is not a directory: %s", config.WorkspaceRoot)
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}

	if config.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive")
	}

	if config.CPUShare <= 0 {
		return fmt.Errorf("cpu_share must be positive")
	}

	if config.MaxProcessCount <= 0 {
		return fmt.Errorf("max_process_count must be positive")
	}

	if _, err := units.RAMInBytes(config.MemoryLimit); err != nil {
		return fmt.Errorf("invalid memory_limit %q: %w", config.MemoryLimit, err)
	}

	if _, err := units.RAMInBytes(config.OutputMaxSize); err != nil {
		return fmt.Errorf("invalid output_max_size %q: %w", config.OutputMaxSize, err)
	}

	if config.PayloadLimit <= 0 {
		return fmt.Errorf("payload_limit must be positive")
	}

	switch config.SandboxBackend {
	case BackendDocker, BackendCLI:
	default:
		return fmt.Errorf("unknown sandbox_backend: %s", config.SandboxBackend)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(env, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return "0.0.0.0:" + value
	}
	return "0.0.0.0:" + defaultValue
}

// GetBindAddress returns the complete bind address
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:4000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Limits returns the sandbox resource limits derived from the configuration
func (c *Config) Limits() types.Limits {
	memory, _ := units.RAMInBytes(c.MemoryLimit)
	output, _ := units.RAMInBytes(c.OutputMaxSize)

	return types.Limits{
		CPUShare:        c.CPUShare,
		MemoryBytes:     memory,
		MaxProcessCount: c.MaxProcessCount,
		CPUTime:         c.CPUTime,
		OutputMaxSize:   output,
		WallTime:        c.RunTimeout,
	}
}
