package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coderunr/runbox/internal/types"
)

// Pulls can take minutes; stay under the server's route timeout
const imageTimeout = 9 * time.Minute

type imageRequest struct {
	Language string `json:"language"`
	Version  string `json:"version,omitempty"`
}

func NewImagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "images",
		Aliases: []string{"image", "img"},
		Short:   "Manage runtime images",
		Long: `Manage the container images that back each language.

Available actions:
  list      - List runtime images and whether they are installed
  install   - Pull the image for a language
  uninstall - Remove the image for a language`,
	}

	cmd.AddCommand(newImagesListCommand())
	cmd.AddCommand(newImagesActionCommand("install", http.MethodPost, "Pull the image for a language", "Installed"))
	cmd.AddCommand(newImagesActionCommand("uninstall", http.MethodDelete, "Remove the image for a language", "Uninstalled"))

	return cmd
}

func newImagesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runtime images",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")

			var images []types.ImageInfo
			if err := newAPIClient(url, 30*time.Second).getJSON(http.MethodGet, "/api/v2/images", nil, &images); err != nil {
				return fmt.Errorf("failed to fetch images: %w", err)
			}

			printImageList(images)
			return nil
		},
	}
}

func newImagesActionCommand(use, method, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <language> [version]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")

			request := imageRequest{Language: args[0]}
			if len(args) > 1 {
				request.Version = args[1]
			}

			var result map[string]string
			if err := newAPIClient(url, imageTimeout).getJSON(method, "/api/v2/images", request, &result); err != nil {
				return err
			}

			color.New(color.FgGreen).Printf("%s %s for %s %s\n", done, result["image"], result["language"], result["version"])
			return nil
		},
	}
}

func printImageList(images []types.ImageInfo) {
	if len(images) == 0 {
		fmt.Println("No runtime images configured")
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tLANGUAGES\tSTATUS\tSIZE")
	fmt.Fprintln(w, "-----\t---------\t------\t----")
	for _, image := range images {
		status := red.Sprint("missing")
		size := "-"
		if image.Installed {
			status = green.Sprint("installed")
			size = units.HumanSize(float64(image.Size))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", image.Image, strings.Join(image.Languages, ", "), status, size)
	}
	w.Flush()
}
