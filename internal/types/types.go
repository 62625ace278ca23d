package types

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Stream identifies one of the sandbox output channels
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// TerminationReason is the single classification of how a job ended.
// The zero value is not a valid reason; values are only produced by the
// status classifier.
type TerminationReason uint8

const (
	reasonUnset TerminationReason = iota
	ReasonCompleted
	ReasonNonZeroExit
	ReasonTimedOut
	ReasonLaunchFailure
)

var reasonNames = map[TerminationReason]string{
	ReasonCompleted:     "Completed",
	ReasonNonZeroExit:   "NonZeroExit",
	ReasonTimedOut:      "TimedOut",
	ReasonLaunchFailure: "LaunchFailure",
}

// String returns the reason tag
func (r TerminationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("TerminationReason(%d)", uint8(r))
}

// Valid reports whether r is one of the four closed reasons
func (r TerminationReason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// MarshalText encodes the reason as its tag
func (r TerminationReason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid termination reason %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason tag
func (r *TerminationReason) UnmarshalText(text []byte) error {
	for reason, name := range reasonNames {
		if name == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown termination reason %q", string(text))
}

// LanguageProfile maps a language to its sandbox image and command line
type LanguageProfile struct {
	Language   string          `json:"language" yaml:"language"`
	Aliases    []string        `json:"aliases" yaml:"aliases"`
	Version    *semver.Version `json:"version" yaml:"-"`
	Image      string          `json:"image" yaml:"image"`
	SourceFile string          `json:"source_file" yaml:"source_file"`
	Command    []string        `json:"command" yaml:"command"`
	Compiled   bool            `json:"compiled" yaml:"compiled"`
}

// Limits are the resource constraints applied to every sandbox
type Limits struct {
	CPUShare        float64       `json:"cpu_share"`
	MemoryBytes     int64         `json:"memory_bytes"`
	MaxProcessCount int64         `json:"max_process_count"`
	CPUTime         time.Duration `json:"cpu_time"`
	OutputMaxSize   int64         `json:"output_max_size"`
	WallTime        time.Duration `json:"wall_time"`
}

// JobRequest represents an incoming execution request
type JobRequest struct {
	Code         string `json:"code"`
	Language     string `json:"language"`
	Stdin        string `json:"stdin,omitempty"`
	ExpectsInput bool   `json:"expects_input,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Job is one validated execution request. It is passed by value and never
// modified after validation.
type Job struct {
	ID           string
	Language     string
	SourceCode   string
	Stdin        string
	ExpectsInput bool
	CreatedAt    time.Time
	Profile      LanguageProfile
}

// Workspace is the ephemeral per-job directory holding the source file
type Workspace struct {
	Path           string `json:"path"`
	SourceFilePath string `json:"source_file_path"`
}

// ExecutionOutcome is the result of one job
type ExecutionOutcome struct {
	JobID     string            `json:"job_id"`
	Language  string            `json:"language"`
	Version   string            `json:"version"`
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	ExitCode  *int              `json:"exit_code"`
	Reason    TerminationReason `json:"reason"`
	Trailer   string            `json:"trailer"`
	WallTime  time.Duration     `json:"wall_time"`
	Truncated bool              `json:"truncated,omitempty"`
}

// RuntimeInfo represents runtime information for API responses
type RuntimeInfo struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Image    string   `json:"image"`
	Compiled bool     `json:"compiled"`
}

// ImageInfo represents runtime image information for API responses
type ImageInfo struct {
	Image     string   `json:"image"`
	Languages []string `json:"languages"`
	Installed bool     `json:"installed"`
	Size      int64    `json:"size,omitempty"`
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type     string      `json:"type"`
	Stream   string      `json:"stream,omitempty"`
	Data     string      `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Code     *int        `json:"code,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Message  string      `json:"message,omitempty"`
	Language string      `json:"language,omitempty"`
	Version  string      `json:"version,omitempty"`
	JobID    string      `json:"job_id,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
