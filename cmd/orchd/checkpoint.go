package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/checkpoint"
)

var checkpointsLimit int

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <task>",
	Short: "List phase checkpoints for a task",
	Long: `List the git commits recording completed phases of a task, newest
first.

Examples:
  orchd checkpoints TASK2
  orchd checkpoints --limit 3 TASK2`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

func init() {
	checkpointsCmd.Flags().IntVar(&checkpointsLimit, "limit", 0, "maximum checkpoints to list (0 = config default)")
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	svc, err := checkpoint.NewService(checkpoint.DefaultConfig(repoDir), rt.logger)
	if err != nil {
		return err
	}

	cps, err := svc.All(ctx, args[0], checkpointsLimit)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no checkpoints for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tNAME\tCOMMIT\tWHEN")
	for _, cp := range cps {
		hash := cp.CommitHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			cp.PhaseNumber, cp.PhaseName, hash, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
