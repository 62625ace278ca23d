package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/job"
	"github.com/coderunr/runbox/internal/runtime"
	"github.com/coderunr/runbox/internal/types"
)

// Tool results end up in a model's context window
const maxResultText = 8000

// runner exposes the execution engine as MCP tools
type runner struct {
	jobs     *job.Manager
	runtimes *runtime.Manager
	logger   *logrus.Entry
}

// newServer builds the MCP server with the runner's tools registered. A
// panicking tool handler becomes an error response instead of ending the
// stdio session.
func newServer(r *runner) *server.MCPServer {
	s := server.NewMCPServer("runbox-code-runner", "1.0.0", server.WithRecovery())
	r.register(s)
	return s
}

func (r *runner) register(s *server.MCPServer) {
	var langs []string
	for _, profile := range r.runtimes.GetRuntimes() {
		langs = append(langs, profile.Language)
	}

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a sandboxed container. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language or alias (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"version": map[string]any{
					"type":        "string",
					"description": "Semver constraint on the language version (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, r.handleCodeRun)

	s.AddTool(mcp.Tool{
		Name:        "list_runtimes",
		Description: "List the languages, versions and aliases available to code_run.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, r.handleListRuntimes)
}

func (r *runner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	jobRequest := &types.JobRequest{}
	jobRequest.Language, _ = args["language"].(string)
	jobRequest.Code, _ = args["code"].(string)
	jobRequest.Stdin, _ = args["stdin"].(string)
	jobRequest.Version, _ = args["version"].(string)

	j, err := r.jobs.NewJob(jobRequest)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	outcome, err := j.Execute(ctx, job.Discard)
	if err != nil {
		if errors.Is(err, job.ErrStreamFailure) {
			return errResult("error: execution cancelled"), nil
		}
		r.logger.WithError(err).WithField("job_id", j.ID).Error("Job execution failed")
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatOutcome(outcome)}},
		IsError: outcome.Reason != types.ReasonCompleted,
	}, nil
}

func (r *runner) handleListRuntimes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	for _, profile := range r.runtimes.GetRuntimes() {
		fmt.Fprintf(&b, "%s %s", profile.Language, profile.Version)
		if len(profile.Aliases) > 0 {
			fmt.Fprintf(&b, " (aliases: %s)", strings.Join(profile.Aliases, ", "))
		}
		b.WriteString("\n")
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: b.String()}},
	}, nil
}

// formatOutcome renders stdout, stderr and the trailer as one text block
func formatOutcome(outcome *types.ExecutionOutcome) string {
	var output strings.Builder
	output.WriteString(outcome.Stdout)
	if outcome.Stderr != "" {
		if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + outcome.Stderr)
	}

	text := output.String()
	if len(text) > maxResultText {
		text = text[:maxResultText] + "\n... (output truncated)"
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + outcome.Trailer
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
