package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/service"
	"github.com/coderunr/runbox/internal/types"
)

// ImageHandler handles runtime image management endpoints
type ImageHandler struct {
	imageService *service.ImageService
	logger       *logrus.Logger
}

// NewImageHandler creates a new image handler
func NewImageHandler(imageService *service.ImageService, logger *logrus.Logger) *ImageHandler {
	return &ImageHandler{
		imageService: imageService,
		logger:       logger,
	}
}

// RegisterRoutes registers image management routes
func (ih *ImageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/images", ih.GetImages)
	r.Post("/images", ih.InstallImage)
	r.Delete("/images", ih.UninstallImage)
}

type imageAction func(ctx context.Context, profile types.LanguageProfile) error

type imageRequest struct {
	Language string `json:"language"`
	Version  string `json:"version"`
}

// GetImages returns every runtime image and whether it is installed
func (ih *ImageHandler) GetImages(w http.ResponseWriter, r *http.Request) {
	ih.logger.Debug("Request to list images")

	images, err := ih.imageService.GetImageList(r.Context())
	if err != nil {
		ih.logger.WithError(err).Error("Failed to get image list")
		writeMessage(w, http.StatusInternalServerError, "Failed to get image list")
		return
	}

	writeJSON(w, http.StatusOK, images)
}

// InstallImage pulls the image serving a language
func (ih *ImageHandler) InstallImage(w http.ResponseWriter, r *http.Request) {
	ih.logger.Debug("Request to install image")
	ih.manage(w, r, ih.imageService.InstallImage)
}

// UninstallImage removes the image serving a language
func (ih *ImageHandler) UninstallImage(w http.ResponseWriter, r *http.Request) {
	ih.logger.Debug("Request to uninstall image")
	ih.manage(w, r, ih.imageService.UninstallImage)
}

func (ih *ImageHandler) manage(w http.ResponseWriter, r *http.Request, action imageAction) {
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Language == "" {
		writeMessage(w, http.StatusBadRequest, "Language is required")
		return
	}

	profile, err := ih.imageService.GetImage(req.Language, req.Version)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, runtime.ErrLanguageNotFound) || errors.Is(err, runtime.ErrVersionMismatch) {
			status = http.StatusNotFound
		}
		writeMessage(w, status, err.Error())
		return
	}

	if err := action(r.Context(), profile); err != nil {
		ih.logger.WithError(err).Errorf("Image operation failed for %s", profile.Image)
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrImageInstalled) || errors.Is(err, service.ErrImageNotInstalled) {
			status = http.StatusConflict
		}
		writeMessage(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"language": profile.Language,
		"version":  profile.Version.String(),
		"image":    profile.Image,
	})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
