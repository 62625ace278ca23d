package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/coderunr/runbox/internal/types"
)

func NewConnectCommand() *cobra.Command {
	var (
		languageVersion string
		readStdin       bool
		expectsInput    bool
	)

	cmd := &cobra.Command{
		Use:     "connect <language> <file>",
		Aliases: []string{"ws"},
		Short:   "Run a source file over a WebSocket session",
		Long: `Run a source file over the WebSocket API. Output arrives as data
messages tagged with their stream; Ctrl-C closes the session and stops the
sandbox.

Examples:
  runbox connect python script.py -v`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := readJobRequest(args[0], args[1], languageVersion, readStdin, expectsInput)
			if err != nil {
				return err
			}

			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return runWebSocket(ctx, url, request, verbose)
		},
	}

	cmd.Flags().StringVarP(&languageVersion, "language-version", "l", "", "Language version constraint")
	cmd.Flags().BoolVarP(&readStdin, "stdin", "i", false, "Read program input from stdin")
	cmd.Flags().BoolVar(&expectsInput, "expects-input", false, "Reject the run when no input is given")

	return cmd
}

func runWebSocket(ctx context.Context, baseURL string, request *types.JobRequest, verbose bool) error {
	wsURL, err := convertToWebSocketURL(baseURL)
	if err != nil {
		return fmt.Errorf("failed to convert URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"/api/v2/connect", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	// Closing the socket is how the server learns to stop the job
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(types.WebSocketMessage{Type: "init", Payload: request}); err != nil {
		return fmt.Errorf("failed to send init message: %w", err)
	}

	red := color.New(color.FgRed)

	for {
		var msg types.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("interrupted")
			}
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if verbose {
					fmt.Fprintf(os.Stderr, "Session closed: %d %s\n", closeErr.Code, closeErr.Text)
				}
				if closeErr.Code == 4999 {
					return nil
				}
				return fmt.Errorf("session closed: %s", closeErr.Text)
			}
			return fmt.Errorf("websocket error: %w", err)
		}

		switch msg.Type {
		case "runtime":
			if verbose {
				fmt.Fprintf(os.Stderr, "Runtime: %s %s (job %s)\n", msg.Language, msg.Version, msg.JobID)
			}

		case "data":
			if msg.Stream == "stderr" {
				fmt.Fprint(os.Stderr, msg.Data)
			} else {
				fmt.Print(msg.Data)
			}

		case "exit":
			printTrailer(msg.Message)
			if verbose {
				fmt.Fprintf(os.Stderr, "Reason: %s\n", msg.Reason)
			}

		case "error":
			red.Fprintf(os.Stderr, "Error: %s\n", msg.Error)

		default:
			if verbose {
				fmt.Fprintf(os.Stderr, "Unknown message type: %s\n", msg.Type)
			}
		}
	}
}
