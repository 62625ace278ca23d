package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/config"
	"github.com/coderunr/runbox/internal/handler"
	"github.com/coderunr/runbox/internal/job"
	"github.com/coderunr/runbox/internal/middleware"
	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/sandbox"
	"github.com/coderunr/runbox/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set up logging; component loggers derive from the standard logger
	logger := logrus.StandardLogger()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("Starting runbox server")

	// Load language profiles
	runtimeManager, err := runtime.NewManager()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load language profiles")
	}
	if cfg.LanguagesFile != "" {
		if err := runtimeManager.LoadFile(cfg.LanguagesFile); err != nil {
			logger.WithError(err).Fatal("Failed to load languages file")
		}
	}

	launcher, images, err := sandbox.NewBackend(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize sandbox backend")
	}
	logger.Infof("Using %s sandbox backend", cfg.SandboxBackend)

	jobManager := job.NewManager(cfg, runtimeManager, launcher)
	imageService := service.NewImageService(images, logger, runtimeManager)

	if cfg.PullImagesOnStart {
		go func() {
			if err := imageService.PullMissing(context.Background()); err != nil {
				logger.WithError(err).Warn("Some runtime images could not be pulled")
			}
		}()
	}

	limiter := middleware.NewRateLimiter(cfg.GlobalRPS, cfg.RateLimitRPS, cfg.RateLimitBurst)
	stopCleanup := make(chan struct{})
	limiter.StartCleanup(10*time.Minute, stopCleanup)

	r := newRouter(cfg, logger, handler.NewHandler(jobManager, runtimeManager, logger),
		handler.NewImageHandler(imageService, logger), limiter)

	// Create HTTP server
	server := &http.Server{
		Addr:    cfg.GetBindAddress(),
		Handler: r,
		// Route timeouts bound each handler; the write timeout only has to
		// outlast the longest of them (image pulls).
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      11 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("API server starting on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	close(stopCleanup)

	// In-flight jobs finish and clean up before the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// newRouter wires every route and its middleware
func newRouter(cfg *config.Config, logger *logrus.Logger, h *handler.Handler, imageHandler *handler.ImageHandler, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	// Limit POST/DELETE body size
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	// Streaming execution
	r.Group(func(r chi.Router) {
		r.Use(middleware.JSON)
		r.Use(limiter.Middleware)
		r.Use(chiMiddleware.Timeout(60 * time.Second))
		r.Post("/run", h.Run)
	})

	// API routes
	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			// Short timeout group (execute)
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Use(chiMiddleware.Timeout(60 * time.Second))
				r.Post("/execute", h.ExecuteCode)
			})
			// Long timeout group (image list/pull/remove)
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(10 * time.Minute))
				imageHandler.RegisterRoutes(r)
			})
		})

		// WebSocket route (no JSON middleware)
		r.With(limiter.Middleware).HandleFunc("/connect", h.HandleWebSocket)

		// GET routes
		r.Get("/runtimes", h.GetRuntimes)
		r.Get("/limits", h.GetLimits)
	})

	// Root route
	r.Get("/", h.GetVersion)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
