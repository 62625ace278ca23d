package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coderunr/runbox/internal/types"
)

func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "runtimes"},
		Short:   "List available languages",
		Long: `List the languages the server can run, with their versions and aliases.

Examples:
  # List all languages
  runbox list

  # Include images and aliases
  runbox list -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")

			var runtimes []types.RuntimeInfo
			if err := newAPIClient(url, 30*time.Second).getJSON(http.MethodGet, "/api/v2/runtimes", nil, &runtimes); err != nil {
				return fmt.Errorf("failed to fetch runtimes: %w", err)
			}

			printRuntimeList(runtimes, verbose)
			return nil
		},
	}

	return cmd
}

func printRuntimeList(runtimes []types.RuntimeInfo, verbose bool) {
	if len(runtimes) == 0 {
		fmt.Println("No runtimes available")
		return
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	if !verbose {
		fmt.Printf("Available languages (%d):\n\n", len(runtimes))
		for _, runtime := range runtimes {
			bold.Printf("%-15s", runtime.Language+":")
			cyan.Printf(" %s\n", runtime.Version)
		}
		fmt.Println("\nUse --verbose flag for aliases and images.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tVERSION\tALIASES\tIMAGE\tCOMPILED")
	fmt.Fprintln(w, "--------\t-------\t-------\t-----\t--------")
	for _, runtime := range runtimes {
		aliases := strings.Join(runtime.Aliases, ", ")
		if aliases == "" {
			aliases = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", runtime.Language, runtime.Version, aliases, runtime.Image, runtime.Compiled)
	}
	w.Flush()
}
