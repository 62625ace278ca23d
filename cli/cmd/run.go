package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coderunr/runbox/internal/types"
)

const (
	trailerFinished = "Execution finished"
	trailerTimeout  = "Time Limit Exceeded"
)

func NewRunCommand() *cobra.Command {
	var (
		languageVersion string
		readStdin       bool
		expectsInput    bool
		buffered        bool
	)

	cmd := &cobra.Command{
		Use:     "run <language> <file>",
		Aliases: []string{"execute", "exec"},
		Short:   "Run a source file with the specified language",
		Long: `Run a source file in a sandbox and stream its output.

The last line printed is the trailer describing how the program ended.

Examples:
  # Run a Python script
  runbox run python script.py

  # Feed stdin to the program
  echo 21 | runbox run cpp main.cpp -i

  # Return the buffered outcome instead of streaming
  runbox run js main.js --buffered`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := readJobRequest(args[0], args[1], languageVersion, readStdin, expectsInput)
			if err != nil {
				return err
			}

			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")

			if buffered {
				return runBuffered(url, request, verbose)
			}
			return runStreaming(url, request, verbose)
		},
	}

	cmd.Flags().StringVarP(&languageVersion, "language-version", "l", "", "Language version constraint")
	cmd.Flags().BoolVarP(&readStdin, "stdin", "i", false, "Read program input from stdin")
	cmd.Flags().BoolVar(&expectsInput, "expects-input", false, "Reject the run when no input is given")
	cmd.Flags().BoolVarP(&buffered, "buffered", "b", false, "Use the buffered execute endpoint")

	return cmd
}

func runStreaming(baseURL string, request *types.JobRequest, verbose bool) error {
	// The server bounds the run; the client waits for it
	client := newAPIClient(baseURL, 0)

	resp, err := client.do(http.MethodPost, "/run", request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if verbose {
		fmt.Fprintf(os.Stderr, "Job: %s\n", resp.Header.Get("X-Job-ID"))
	}

	out := &trailerWriter{out: os.Stdout}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("output stream interrupted: %w", err)
	}

	trailer := out.Trailer()
	if trailer == "" {
		return fmt.Errorf("output stream ended without a trailer")
	}
	printTrailer(trailer)
	return nil
}

func runBuffered(baseURL string, request *types.JobRequest, verbose bool) error {
	client := newAPIClient(baseURL, 2*time.Minute)

	var outcome types.ExecutionOutcome
	if err := client.getJSON(http.MethodPost, "/api/v2/execute", request, &outcome); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	if outcome.Stdout != "" {
		bold.Println("STDOUT")
		fmt.Print(indentLines(outcome.Stdout))
	}
	if outcome.Stderr != "" {
		bold.Println("STDERR")
		fmt.Print(indentLines(outcome.Stderr))
	}
	if outcome.Truncated {
		color.New(color.FgYellow).Println("(output truncated)")
	}

	if verbose {
		fmt.Printf("Job: %s\n", outcome.JobID)
		fmt.Printf("Runtime: %s %s\n", outcome.Language, outcome.Version)
		fmt.Printf("Reason: %s\n", outcome.Reason)
		fmt.Printf("Wall Time: %s\n", outcome.WallTime)
	}

	printTrailer(outcome.Trailer)
	return nil
}

// printTrailer colors the trailer by how the program ended
func printTrailer(trailer string) {
	switch {
	case trailer == trailerFinished:
		color.New(color.FgGreen, color.Bold).Println(trailer)
	case trailer == trailerTimeout:
		color.New(color.FgYellow, color.Bold).Println(trailer)
	default:
		color.New(color.FgRed, color.Bold).Println(trailer)
	}
}

// trailerWriter passes program output through and holds back the last line,
// which is the trailer once the stream ends.
type trailerWriter struct {
	out     io.Writer
	pending []byte
}

func (w *trailerWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)

	if len(w.pending) > 1 {
		cut := bytes.LastIndexByte(w.pending[:len(w.pending)-1], '\n')
		if cut >= 0 {
			if _, err := w.out.Write(w.pending[:cut+1]); err != nil {
				return 0, err
			}
			w.pending = append(w.pending[:0], w.pending[cut+1:]...)
		}
	}

	return len(p), nil
}

// Trailer returns the held back line without its newline
func (w *trailerWriter) Trailer() string {
	return strings.TrimSuffix(string(w.pending), "\n")
}

func indentLines(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
