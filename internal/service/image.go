package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/sandbox"
	"github.com/coderunr/runbox/internal/types"
)

var (
	// ErrImageInstalled is returned when installing an image that is already present
	ErrImageInstalled = errors.New("image is already installed")
	// ErrImageNotInstalled is returned when removing an image that is not present
	ErrImageNotInstalled = errors.New("image is not installed")
)

// ImageService handles runtime image management operations
type ImageService struct {
	images         sandbox.ImageStore
	logger         *logrus.Logger
	runtimeManager *runtime.Manager
}

// NewImageService creates a new image service
func NewImageService(images sandbox.ImageStore, logger *logrus.Logger, runtimeManager *runtime.Manager) *ImageService {
	return &ImageService{
		images:         images,
		logger:         logger,
		runtimeManager: runtimeManager,
	}
}

// GetImageList returns every runtime image referenced by a language profile
// together with its local state
func (s *ImageService) GetImageList(ctx context.Context) ([]types.ImageInfo, error) {
	s.logger.Debug("Inspecting runtime images")

	refs := s.runtimeManager.Images()

	list := make([]types.ImageInfo, 0, len(refs))
	for ref, languages := range refs {
		status, err := s.images.Inspect(ctx, ref)
		if err != nil {
			return nil, err
		}

		list = append(list, types.ImageInfo{
			Image:     ref,
			Languages: languages,
			Installed: status.Installed,
			Size:      status.Size,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Image < list[j].Image
	})

	s.logger.Debugf("Found %d runtime images", len(list))
	return list, nil
}

// GetImage finds the image serving a language and version constraint
func (s *ImageService) GetImage(language, versionConstraint string) (types.LanguageProfile, error) {
	return s.runtimeManager.Match(language, versionConstraint)
}

// InstallImage pulls the image of a profile
func (s *ImageService) InstallImage(ctx context.Context, profile types.LanguageProfile) error {
	status, err := s.images.Inspect(ctx, profile.Image)
	if err != nil {
		return err
	}
	if status.Installed {
		return fmt.Errorf("%w: %s", ErrImageInstalled, profile.Image)
	}

	s.logger.Infof("Installing %s for %s-%s", profile.Image, profile.Language, profile.Version)

	if err := s.images.Pull(ctx, profile.Image); err != nil {
		return err
	}

	s.logger.Infof("Successfully installed %s", profile.Image)
	return nil
}

// UninstallImage removes the image of a profile
func (s *ImageService) UninstallImage(ctx context.Context, profile types.LanguageProfile) error {
	s.logger.Infof("Uninstalling %s for %s-%s", profile.Image, profile.Language, profile.Version)

	if err := s.images.Remove(ctx, profile.Image); err != nil {
		if errors.Is(err, sandbox.ErrImageNotFound) {
			return fmt.Errorf("%w: %s", ErrImageNotInstalled, profile.Image)
		}
		return err
	}

	s.logger.Infof("Successfully uninstalled %s", profile.Image)
	return nil
}

// PullMissing pulls every runtime image that is not present locally.
// Failures are logged and the remaining images are still attempted.
func (s *ImageService) PullMissing(ctx context.Context) error {
	list, err := s.GetImageList(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, info := range list {
		if info.Installed {
			continue
		}
		if err := s.images.Pull(ctx, info.Image); err != nil {
			s.logger.WithError(err).Warnf("Failed to pull %s", info.Image)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
