package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderunr/runbox/cli/cmd"
)

var (
	version = "1.0.0"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "runbox",
		Short:        "runbox CLI - Run code in sandboxed containers",
		Long:         `A command line interface for the runbox execution engine.`,
		Version:      fmt.Sprintf("%s (%s) built at %s", version, commit, date),
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:4000", "runbox API URL")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		cmd.NewRunCommand(),
		cmd.NewConnectCommand(),
		cmd.NewListCommand(),
		cmd.NewImagesCommand(),
		cmd.NewVersionCommand(version),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
