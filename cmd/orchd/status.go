package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

var statusCmd = &cobra.Command{
	Use:   "status [task]",
	Short: "Show execution record status",
	Long: `Show the stored status of one task, or of every task when no id is
given.

Examples:
  orchd status
  orchd status TASK3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	ids := args
	if len(ids) == 0 {
		ids, err = rt.store.List()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no execution records")
			return nil
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tPHASE\tATTEMPTS\tERRORS")
	for _, id := range ids {
		rec, err := rt.store.Load(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			rec.Task, rec.Status, phaseSummary(rec), rec.Attempts, len(rec.ErrorHistory))
	}
	return w.Flush()
}

func phaseSummary(rec *record.ExecutionRecord) string {
	if len(rec.Phases) == 0 {
		return "-"
	}
	done := 0
	for _, p := range rec.Phases {
		if p.Status == record.PhaseCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(rec.Phases))
}
