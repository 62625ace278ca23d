package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/coderunr/runbox/internal/config"
	"github.com/coderunr/runbox/internal/metrics"
	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/sandbox"
	"github.com/coderunr/runbox/internal/types"
)

var (
	// ErrInvalidRequest is returned for malformed or oversized requests
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnsupportedLanguage is returned when no profile serves the language
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrStreamFailure is returned when the caller went away mid-execution
	ErrStreamFailure = errors.New("output stream failed")
)

// Manager validates requests and runs jobs with bounded concurrency
type Manager struct {
	runtimes      *runtime.Manager
	launcher      sandbox.Launcher
	limits        types.Limits
	workspaceRoot string
	payloadLimit  int
	killGrace     time.Duration
	slots         *semaphore.Weighted
	logger        *logrus.Entry
}

// NewManager creates a new job manager
func NewManager(cfg *config.Config, runtimes *runtime.Manager, launcher sandbox.Launcher) *Manager {
	slots := cfg.MaxConcurrentJobs
	if slots <= 0 {
		slots = 1
	}

	return &Manager{
		runtimes:      runtimes,
		launcher:      launcher,
		limits:        cfg.Limits(),
		workspaceRoot: cfg.WorkspaceRoot,
		payloadLimit:  cfg.PayloadLimit,
		killGrace:     cfg.KillGrace,
		slots:         semaphore.NewWeighted(int64(slots)),
		logger:        logrus.WithField("component", "job"),
	}
}

// Limits returns the resource limits applied to every job
func (m *Manager) Limits() types.Limits {
	return m.limits
}

// Job is a validated execution request bound to its manager
type Job struct {
	types.Job
	logger  *logrus.Entry
	manager *Manager
}

// NewJob validates a request and creates a job from it. Nothing is allocated
// when validation fails.
func (m *Manager) NewJob(request *types.JobRequest) (*Job, error) {
	profile, err := m.Validate(request)
	if err != nil {
		kind := "invalid_request"
		if errors.Is(err, ErrUnsupportedLanguage) {
			kind = "unsupported_language"
		}
		metrics.RejectedTotal.WithLabelValues(kind).Inc()
		return nil, err
	}

	// Programs reading line by line expect a terminated last line
	stdin := request.Stdin
	if stdin != "" && !strings.HasSuffix(stdin, "\n") {
		stdin += "\n"
	}

	jobID := uuid.New().String()

	return &Job{
		Job: types.Job{
			ID:           jobID,
			Language:     profile.Language,
			SourceCode:   request.Code,
			Stdin:        stdin,
			ExpectsInput: request.ExpectsInput,
			CreatedAt:    time.Now(),
			Profile:      profile,
		},
		logger: logrus.WithFields(logrus.Fields{
			"job_id":   jobID,
			"language": profile.Language,
		}),
		manager: m,
	}, nil
}

// Validate checks a request and resolves its language profile
func (m *Manager) Validate(request *types.JobRequest) (types.LanguageProfile, error) {
	if request == nil {
		return types.LanguageProfile{}, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Code) == "" {
		return types.LanguageProfile{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Language) == "" {
		return types.LanguageProfile{}, fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	if size := len(request.Code) + len(request.Stdin); size > m.payloadLimit {
		return types.LanguageProfile{}, fmt.Errorf("%w: payload of %d bytes exceeds the %d byte limit", ErrInvalidRequest, size, m.payloadLimit)
	}
	if request.ExpectsInput && request.Stdin == "" {
		return types.LanguageProfile{}, fmt.Errorf("%w: program expects input but no stdin was provided", ErrInvalidRequest)
	}

	profile, err := m.runtimes.Match(request.Language, request.Version)
	switch {
	case errors.Is(err, runtime.ErrLanguageNotFound), errors.Is(err, runtime.ErrVersionMismatch):
		return types.LanguageProfile{}, fmt.Errorf("%w: %v", ErrUnsupportedLanguage, err)
	case err != nil:
		return types.LanguageProfile{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return profile, nil
}

// Execute runs the job and streams its output into sink. The returned
// outcome is nil only when the caller went away before a sandbox was
// launched. Every resource acquired here is released before Execute returns.
func (j *Job) Execute(ctx context.Context, sink Sink) (*types.ExecutionOutcome, error) {
	m := j.manager

	queued := time.Now()
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: gave up waiting for a job slot: %v", ErrStreamFailure, err)
	}
	defer m.slots.Release(1)
	metrics.QueueWait.Observe(float64(time.Since(queued).Milliseconds()))

	j.logger.Info("Executing job")

	scope := NewCleanup(j.logger, m.killGrace+5*time.Second)
	defer func() {
		if err := scope.Run(); err != nil {
			metrics.CleanupFailures.Inc()
		}
	}()

	ws, err := ProvisionWorkspace(m.workspaceRoot, j.Job)
	if err != nil {
		j.logger.WithError(err).Error("Failed to provision workspace")
		launchErr := fmt.Errorf("%w: failed to provision workspace: %v", sandbox.ErrLaunchFailure, err)
		return j.finish(sink, Status{LaunchErr: launchErr}, streamResult{}, 0)
	}
	scope.Add("workspace", func(context.Context) error { return ws.Release() })

	proc, err := m.launcher.Launch(ctx, sandbox.Spec{
		Name:         "runbox-" + j.ID,
		Image:        j.Profile.Image,
		Command:      j.Profile.Command,
		WorkspaceDir: ws.Path,
		Limits:       m.limits,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamFailure, ctx.Err())
		}
		j.logger.WithError(err).Error("Failed to launch sandbox")
		return j.finish(sink, Status{LaunchErr: err}, streamResult{}, 0)
	}
	scope.Add("sandbox", proc.Release)

	metrics.ActiveSandboxes.Inc()
	defer metrics.ActiveSandboxes.Dec()

	supervisor := Supervise(m.limits.WallTime, proc.Kill, j.logger)
	defer supervisor.Stop()

	// A gone caller must not leave the sandbox running
	stopWatch := context.AfterFunc(ctx, func() {
		j.logger.Warn("Client disconnected, killing sandbox")
		if err := proc.Kill(); err != nil {
			j.logger.WithError(err).Warn("Failed to kill sandbox")
		}
	})
	defer stopWatch()

	result, streamErr := multiplex(proc, j.Stdin, sink, m.limits.OutputMaxSize, j.logger)
	if streamErr != nil {
		_ = proc.Kill()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), m.limits.WallTime+m.killGrace)
	defer cancel()

	exit, waitErr := proc.Wait(waitCtx)
	supervisor.Stop()

	status := Status{TimedOut: supervisor.TimedOut(), ExitCode: exit.Code}
	if waitErr != nil {
		j.logger.WithError(waitErr).Error("Failed to wait for sandbox")
		_ = proc.Kill()
		status.LaunchErr = waitErr
		if !errors.Is(waitErr, sandbox.ErrLaunchFailure) {
			status.LaunchErr = fmt.Errorf("sandbox did not report an exit status: %w", waitErr)
		}
	}

	if streamErr != nil || ctx.Err() != nil {
		outcome := j.outcome(Classify(status), status, result, exit.WallTime)
		j.logger.WithField("reason", outcome.Reason).Warn("Job output stream failed")
		if streamErr == nil {
			streamErr = ctx.Err()
		}
		return outcome, fmt.Errorf("%w: %v", ErrStreamFailure, streamErr)
	}

	return j.finish(sink, status, result, exit.WallTime)
}

// finish classifies the job and writes the trailer as the last thing the
// sink receives
func (j *Job) finish(sink Sink, status Status, result streamResult, wall time.Duration) (*types.ExecutionOutcome, error) {
	outcome := j.outcome(Classify(status), status, result, wall)

	metrics.ExecutionsTotal.WithLabelValues(j.Language, outcome.Reason.String()).Inc()
	if outcome.Reason != types.ReasonLaunchFailure {
		metrics.ExecutionDuration.WithLabelValues(j.Language).Observe(float64(wall.Milliseconds()))
	}

	j.logger.WithFields(logrus.Fields{
		"reason":    outcome.Reason,
		"wall_time": wall,
		"truncated": outcome.Truncated,
	}).Info("Job finished")

	if err := sink.Finish(outcome); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrStreamFailure, err)
	}
	return outcome, nil
}

func (j *Job) outcome(verdict Verdict, status Status, result streamResult, wall time.Duration) *types.ExecutionOutcome {
	outcome := &types.ExecutionOutcome{
		JobID:     j.ID,
		Language:  j.Language,
		Stdout:    result.stdout.String(),
		Stderr:    result.stderr.String(),
		Reason:    verdict.Reason,
		Trailer:   verdict.Trailer,
		WallTime:  wall,
		Truncated: result.truncated,
	}
	if j.Profile.Version != nil {
		outcome.Version = j.Profile.Version.String()
	}
	if status.LaunchErr == nil {
		code := status.ExitCode
		outcome.ExitCode = &code
	}
	return outcome
}
