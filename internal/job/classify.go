package job

import (
	"fmt"
	"strings"

	"github.com/coderunr/runbox/internal/types"
)

const (
	trailerTimedOut  = "Time Limit Exceeded"
	trailerCompleted = "Execution finished"
)

// Status is everything known about how a sandbox ended
type Status struct {
	TimedOut  bool
	LaunchErr error
	ExitCode  int
}

// Verdict is the classified termination of a job
type Verdict struct {
	Reason  types.TerminationReason
	Trailer string
}

// Classify maps a sandbox status to exactly one termination reason and its
// trailer line. A fired deadline wins over any exit code.
func Classify(status Status) Verdict {
	switch {
	case status.TimedOut:
		return Verdict{Reason: types.ReasonTimedOut, Trailer: trailerTimedOut}
	case status.LaunchErr != nil:
		return Verdict{Reason: types.ReasonLaunchFailure, Trailer: oneLine(status.LaunchErr.Error())}
	case status.ExitCode == 0:
		return Verdict{Reason: types.ReasonCompleted, Trailer: trailerCompleted}
	default:
		return Verdict{
			Reason:  types.ReasonNonZeroExit,
			Trailer: fmt.Sprintf("Process exited with code %d", status.ExitCode),
		}
	}
}

// oneLine keeps the trailer a single line
func oneLine(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}
