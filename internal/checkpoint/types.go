package checkpoint

import (
	"fmt"
	"regexp"
	"time"
)

// Checkpoint is one phase-completion commit.
type Checkpoint struct {
	// CommitHash is the full git hash.
	CommitHash string

	// Task is the owning task id.
	Task string

	PhaseNumber int
	PhaseName   string

	CreatedAt time.Time
}

// Result is the outcome of a checkpoint attempt. Checkpointing never aborts
// a run, so failures are carried in the result rather than returned.
type Result struct {
	Success    bool
	CommitHash string
	Message    string
}

// CommitMessage renders the canonical checkpoint message for a task phase.
func CommitMessage(task string, phaseNumber int, phaseName string) string {
	return fmt.Sprintf("[%s] Phase %d: %s complete", task, phaseNumber, phaseName)
}

// messagePattern compiles the canonical-message matcher for one task.
func messagePattern(task string) *regexp.Regexp {
	return regexp.MustCompile(`^\[` + regexp.QuoteMeta(task) + `\] Phase (\d+): (.*) complete$`)
}
