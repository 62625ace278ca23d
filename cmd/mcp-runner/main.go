package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/config"
	"github.com/coderunr/runbox/internal/job"
	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/sandbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// stdout carries the MCP protocol
	logger := logrus.StandardLogger()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(cfg.GetLogLevel())

	runtimeManager, err := runtime.NewManager()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load language profiles")
	}
	if cfg.LanguagesFile != "" {
		if err := runtimeManager.LoadFile(cfg.LanguagesFile); err != nil {
			logger.WithError(err).Fatal("Failed to load languages file")
		}
	}

	launcher, _, err := sandbox.NewBackend(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize sandbox backend")
	}

	tools := &runner{
		jobs:     job.NewManager(cfg, runtimeManager, launcher),
		runtimes: runtimeManager,
		logger:   logger.WithField("component", "mcp"),
	}

	if err := server.ServeStdio(newServer(tools)); err != nil {
		logger.WithError(err).Fatal("MCP server failed")
	}
}
