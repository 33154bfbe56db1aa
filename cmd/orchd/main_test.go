package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/orchd/internal/record"
	"github.com/fyrsmithlabs/orchd/internal/scheduler"
)

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	printReport(cmd, &scheduler.Report{
		Serialized: true,
		Outcomes: []scheduler.TaskOutcome{
			{Task: "TASK1", Status: record.StatusCompleted, Attempts: 1},
			{Task: "TASK2", Status: record.StatusBlocked, BlockedBy: []string{"TASK1"}},
		},
		Duration: 42 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "run was serialized")
	assert.Contains(t, out, "TASK1")
	assert.Contains(t, out, "blocked by TASK1")
	assert.Contains(t, out, "total: 2 tasks")
}

func TestPhaseSummary(t *testing.T) {
	rec := record.New("TASK1", "")
	assert.Equal(t, "-", phaseSummary(rec))

	rec.Phases = []record.Phase{
		{ID: 1, Name: "a", Status: record.PhaseCompleted},
		{ID: 2, Name: "b", Status: record.PhasePending},
	}
	assert.Equal(t, "1/2", phaseSummary(rec))
}
