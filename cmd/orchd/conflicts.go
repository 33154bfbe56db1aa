package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/conflict"
	"github.com/fyrsmithlabs/orchd/internal/plan"
)

var conflictsFix bool

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <plan-file>",
	Short: "Report file-ownership conflicts between tasks",
	Long: `Parse the plan and report every pair of dependency-independent tasks
that declare overlapping files.

Examples:
  orchd conflicts PLAN.md

  # Also show the serialization the scheduler would apply
  orchd conflicts --fix PLAN.md`,
	Args: cobra.ExactArgs(1),
	RunE: runConflicts,
}

func init() {
	conflictsCmd.Flags().BoolVar(&conflictsFix, "fix", false, "show auto-resolution instead of suggestions")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	p, err := plan.Parse(string(doc))
	if err != nil {
		return err
	}

	g := p.Graph()
	if missing := g.TasksMissingFiles(); len(missing) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "tasks without file declarations (run will be serialized): %s\n",
			strings.Join(missing, ", "))
	}

	conflicts := g.DetectFileConflicts()
	if len(conflicts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no file conflicts")
		return nil
	}

	for _, c := range conflicts {
		fmt.Fprintf(cmd.OutOrStdout(), "%s and %s both declare: %s\n",
			c.Task1, c.Task2, strings.Join(c.Files, ", "))
	}

	if conflictsFix {
		for _, res := range g.AutoResolve(conflicts) {
			fmt.Fprintf(cmd.OutOrStdout(), "resolved: %s\n", res.Resolution)
		}
		return nil
	}
	for _, s := range conflict.SuggestDependencyFixes(conflicts) {
		fmt.Fprintf(cmd.OutOrStdout(), "suggestion: %s\n", s)
	}
	return nil
}
