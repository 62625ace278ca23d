package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/job"
	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/types"
)

// Version is reported by GET /
const Version = "runbox v1.0.0"

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	jobManager     *job.Manager
	runtimeManager *runtime.Manager
	logger         *logrus.Logger
}

// NewHandler creates a new handler instance
func NewHandler(jobManager *job.Manager, runtimeManager *runtime.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		jobManager:     jobManager,
		runtimeManager: runtimeManager,
		logger:         logger,
	}
}

// GetVersion returns the API version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": Version}, http.StatusOK)
}

// Run executes code and streams its raw output as plain text. The body ends
// with exactly one trailer line describing how the program ended.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	j, ok := h.newJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Job-ID", j.ID)

	outcome, err := j.Execute(r.Context(), job.NewTextSink(w))
	if err != nil {
		h.handleExecuteError(w, j, outcome, err)
	}
}

// ExecuteCode executes code and returns the buffered outcome as JSON
func (h *Handler) ExecuteCode(w http.ResponseWriter, r *http.Request) {
	j, ok := h.newJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("X-Job-ID", j.ID)

	outcome, err := j.Execute(r.Context(), job.Discard)
	if err != nil {
		h.handleExecuteError(w, j, outcome, err)
		return
	}

	h.sendJSON(w, outcome, http.StatusOK)
}

// GetRuntimes returns available runtimes
func (h *Handler) GetRuntimes(w http.ResponseWriter, r *http.Request) {
	profiles := h.runtimeManager.GetRuntimes()

	response := make([]types.RuntimeInfo, len(profiles))
	for i, profile := range profiles {
		response[i] = types.RuntimeInfo{
			Language: profile.Language,
			Version:  profile.Version.String(),
			Aliases:  profile.Aliases,
			Image:    profile.Image,
			Compiled: profile.Compiled,
		}
	}

	h.sendJSON(w, response, http.StatusOK)
}

// GetLimits returns the resource limits applied to every job
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.jobManager.Limits(), http.StatusOK)
}

// newJob decodes and validates the request body. Rejections are answered
// here before any job exists.
func (h *Handler) newJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	request, status, err := decodeJobRequest(r.Body)
	if err != nil {
		h.sendError(w, err.Error(), status)
		return nil, false
	}

	j, err := h.jobManager.NewJob(request)
	if err != nil {
		h.logger.WithError(err).Debug("Rejected job request")
		h.sendError(w, err.Error(), statusFor(err))
		return nil, false
	}

	return j, true
}

// handleExecuteError reports a job that ended without a trailer
func (h *Handler) handleExecuteError(w http.ResponseWriter, j *job.Job, outcome *types.ExecutionOutcome, err error) {
	logger := h.logger.WithField("job_id", j.ID).WithError(err)

	if errors.Is(err, job.ErrStreamFailure) {
		// The client is gone; there is nobody to answer
		logger.Warn("Job output stream failed")
		return
	}

	logger.Error("Job execution failed")
	if outcome == nil {
		h.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeJobRequest reads a JobRequest and maps body errors to a status
func decodeJobRequest(body io.Reader) (*types.JobRequest, int, error) {
	var request types.JobRequest

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("Request body too large")
		}
		return nil, http.StatusBadRequest, fmt.Errorf("Invalid JSON request")
	}

	return &request, http.StatusOK, nil
}

// statusFor maps validation errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalidRequest), errors.Is(err, job.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, types.ErrorResponse{
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
