package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
)

// ErrImageNotFound is returned when removing an image that is not present
var ErrImageNotFound = errors.New("image not found")

// ImageStatus is the local state of one runtime image
type ImageStatus struct {
	Installed bool
	Size      int64
}

// ImageStore manages runtime images on the container host.
type ImageStore interface {
	Inspect(ctx context.Context, ref string) (ImageStatus, error)
	Pull(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error
}

// DockerImages is an ImageStore backed by the Engine API
type DockerImages struct {
	cli    client.APIClient
	logger *logrus.Entry
}

// NewDockerImages creates an image store using cli
func NewDockerImages(cli client.APIClient) *DockerImages {
	return &DockerImages{
		cli:    cli,
		logger: logrus.WithField("component", "images"),
	}
}

func (d *DockerImages) Inspect(ctx context.Context, ref string) (ImageStatus, error) {
	info, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ImageStatus{}, nil
		}
		return ImageStatus{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return ImageStatus{Installed: true, Size: info.Size}, nil
}

// Pull downloads ref and blocks until the pull has finished
func (d *DockerImages) Pull(ctx context.Context, ref string) error {
	d.logger.Infof("Pulling %s", ref)

	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if err := drainPullProgress(rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	d.logger.Infof("Pulled %s", ref)
	return nil
}

func (d *DockerImages) Remove(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// drainPullProgress reads the pull progress stream to the end and returns
// the first error message the daemon reported
func drainPullProgress(r io.Reader) error {
	decoder := json.NewDecoder(r)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// CommandImages is an ImageStore backed by the docker CLI
type CommandImages struct {
	Binary string
	logger *logrus.Entry
}

// NewCommandImages creates an image store that shells out to binary
func NewCommandImages(binary string) *CommandImages {
	if binary == "" {
		binary = "docker"
	}
	return &CommandImages{
		Binary: binary,
		logger: logrus.WithField("component", "images"),
	}
}

func (c *CommandImages) Inspect(ctx context.Context, ref string) (ImageStatus, error) {
	out, err := c.run(ctx, "image", "inspect", "--format", "{{.Size}}", ref)
	if err != nil {
		if strings.Contains(err.Error(), "No such image") {
			return ImageStatus{}, nil
		}
		return ImageStatus{}, err
	}

	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		c.logger.WithError(err).Debugf("Unexpected size output for %s", ref)
	}
	return ImageStatus{Installed: true, Size: size}, nil
}

func (c *CommandImages) Pull(ctx context.Context, ref string) error {
	c.logger.Infof("Pulling %s", ref)
	_, err := c.run(ctx, "pull", "--quiet", ref)
	return err
}

func (c *CommandImages) Remove(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "image", "rm", ref)
	if err != nil && strings.Contains(err.Error(), "No such image") {
		return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	return err
}

func (c *CommandImages) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", c.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
