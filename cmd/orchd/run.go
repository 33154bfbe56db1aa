package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/agent"
	"github.com/fyrsmithlabs/orchd/internal/checkpoint"
	"github.com/fyrsmithlabs/orchd/internal/plan"
	"github.com/fyrsmithlabs/orchd/internal/record"
	"github.com/fyrsmithlabs/orchd/internal/scheduler"
)

var runMaxParallel int

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a plan against the target repository",
	Long: `Parse the plan document, resolve file conflicts, and drive every task
to a terminal status.

Examples:
  # Run a plan in the current repository
  orchd run PLAN.md

  # Run serially regardless of declarations
  orchd run --max-parallel 1 PLAN.md`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "override scheduler.max_parallel")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	p, err := plan.Parse(string(doc))
	if err != nil {
		return err
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	invoker, err := agent.NewCommandInvoker(agent.CommandConfig{
		Command: rt.cfg.Agent.Command,
		WorkDir: repoDir,
		Timeout: rt.cfg.Agent.Timeout,
	}, rt.logger)
	if err != nil {
		return err
	}

	var checkpoints checkpoint.Service
	if rt.cfg.Checkpoint.Enabled {
		checkpoints, err = checkpoint.NewService(checkpoint.DefaultConfig(repoDir), rt.logger)
		if err != nil {
			return fmt.Errorf("checkpointing enabled but unusable: %w", err)
		}
	}

	schedCfg := scheduler.Config{
		MaxParallel:     rt.cfg.Scheduler.MaxParallel,
		MaxAttempts:     rt.cfg.Scheduler.MaxAttempts,
		WorkDir:         repoDir,
		CriteriaTimeout: rt.cfg.Criteria.Timeout,
	}
	if runMaxParallel > 0 {
		schedCfg.MaxParallel = runMaxParallel
	}

	s := scheduler.New(schedCfg, p, rt.store, invoker, checkpoints, rt.logger)
	report, runErr := s.Run(ctx)
	printReport(cmd, report)

	if runErr != nil {
		return runErr
	}
	if !report.Succeeded() {
		return fmt.Errorf("run finished with failures")
	}
	return nil
}

func printReport(cmd *cobra.Command, report *scheduler.Report) {
	if report == nil {
		return
	}
	if report.Serialized {
		fmt.Fprintln(cmd.OutOrStdout(), "run was serialized: tasks without file declarations")
	}
	for _, res := range report.Resolutions {
		fmt.Fprintf(cmd.OutOrStdout(), "conflict resolved: %s now runs after %s\n", res.Loser, res.Winner)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tDETAIL")
	for _, o := range report.Outcomes {
		detail := o.Err
		if o.Status == record.StatusBlocked && len(o.BlockedBy) > 0 {
			detail = "blocked by " + strings.Join(o.BlockedBy, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", o.Task, o.Status, o.Attempts, detail)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "total: %d tasks in %s\n", len(report.Outcomes), report.Duration.Round(10*time.Millisecond))
}
