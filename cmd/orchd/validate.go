package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/audit"
)

var validateCmd = &cobra.Command{
	Use:   "validate <task>",
	Short: "Validate a task's execution record and artifacts",
	Long: `Load a task's execution record, check it against the schema, and
verify that every artifact the agent claimed actually exists on disk.

Examples:
  orchd validate TASK1`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	// Load validates the record against the schema.
	rec, err := rt.store.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "record %s: schema valid, status %s\n", rec.Task, rec.Status)

	auditor := audit.New(rt.logger)
	res := auditor.ValidateArtifactsExist(ctx, rec, repoDir)
	if res.CheckedCount == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no artifacts to verify")
		return nil
	}
	for _, p := range res.Existing {
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", p)
	}
	for _, p := range res.Missing {
		fmt.Fprintf(cmd.OutOrStdout(), "missing: %s\n", p)
	}
	if !res.Valid {
		return fmt.Errorf("%d of %d claimed artifacts missing", res.MissingCount, res.CheckedCount)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "all %d artifacts verified\n", res.CheckedCount)
	return nil
}
