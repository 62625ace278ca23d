package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionCommand(cliVersion string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the CLI version and the version reported by the server.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runbox CLI v%s\n", cliVersion)

			url, _ := cmd.Flags().GetString("url")
			var server map[string]string
			if err := newAPIClient(url, 5*time.Second).getJSON(http.MethodGet, "/", nil, &server); err != nil {
				fmt.Printf("Server: unreachable (%v)\n", err)
				return
			}
			fmt.Printf("Server: %s\n", server["message"])
		},
	}

	return cmd
}
