package agent

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

// historyWindow limits how many past errors a retry prompt carries.
const historyWindow = 5

// BuildPrompt renders the instruction text for one phase of a task. On a
// retry the most recent error history entries are included so the agent
// does not repeat the failure.
func BuildPrompt(rec *record.ExecutionRecord, phaseID int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %s", rec.Task)
	if rec.Title != "" {
		fmt.Fprintf(&b, ": %s", rec.Title)
	}
	b.WriteString("\n")

	if ph := rec.PhaseByID(phaseID); ph != nil {
		fmt.Fprintf(&b, "\nWork on phase %d: %s\n", ph.ID, ph.Name)
		for _, it := range ph.Items {
			mark := " "
			if it.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, it.Description)
		}
		for _, pc := range ph.PreConditions {
			fmt.Fprintf(&b, "Precondition: %s", pc.Check)
			if pc.Command != "" {
				fmt.Fprintf(&b, " (`%s`)", pc.Command)
			}
			b.WriteString("\n")
		}
	}

	if len(rec.SuccessCriteria) > 0 {
		b.WriteString("\nSuccess criteria for the task:\n")
		for _, c := range rec.SuccessCriteria {
			fmt.Fprintf(&b, "- %s", c.Criterion)
			if c.Command != "" {
				fmt.Fprintf(&b, " (`%s`)", c.Command)
			}
			b.WriteString("\n")
		}
	}

	if hist := recentErrors(rec); len(hist) > 0 {
		b.WriteString("\nEarlier attempts failed. Do not repeat these failures:\n")
		for _, e := range hist {
			fmt.Fprintf(&b, "- %s\n", e.Message)
		}
	}

	b.WriteString("\nUpdate the execution record as you work. Mark items completed only after the work is done, and declare every file you create or modify in the artifacts list.\n")
	return b.String()
}

func recentErrors(rec *record.ExecutionRecord) []record.ErrorEntry {
	h := rec.ErrorHistory
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	return h
}
