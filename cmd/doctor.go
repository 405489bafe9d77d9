package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/engine"
)

var doctorOpts struct {
	backupPath string
	vacuum     bool
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Reconcile the store against live tmux sessions",
	Long: `Compare non-terminal worker rows against live tmux sessions. Workers
whose session has died are marked failed and cleaned up; sessions carrying
the configured prefix with no active worker behind them are killed; terminal
rows still holding handles get another release attempt.

Maintenance flags run after reconciliation:
  --backup <path>   snapshot the database with VACUUM INTO
  --vacuum          compact the database in place`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().StringVar(&doctorOpts.backupPath, "backup", "",
		"write a database snapshot to this path")
	doctorCmd.Flags().BoolVar(&doctorOpts.vacuum, "vacuum", false,
		"compact the database after reconciling")
}

func printReport(w io.Writer, report *engine.ReconcileReport) {
	fmt.Fprintf(w, "Checked %d active workers\n", report.Checked)
	for _, id := range report.Failed {
		fmt.Fprintf(w, "  marked failed (dead session): %s\n", id)
	}
	for _, name := range report.OrphanSessions {
		fmt.Fprintf(w, "  killed orphan session: %s\n", name)
	}
	for _, id := range report.Released {
		fmt.Fprintf(w, "  released leaked handles: %s\n", id)
	}
	if len(report.Failed)+len(report.OrphanSessions)+len(report.Released) == 0 {
		fmt.Fprintln(w, "Nothing to repair")
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	report, err := a.Engine.Reconcile(ctx)
	if err != nil {
		return err
	}
	printReport(out, report)

	if doctorOpts.backupPath != "" {
		if err := a.DB.Backup(ctx, doctorOpts.backupPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Backup written to %s\n", doctorOpts.backupPath)
	}
	if doctorOpts.vacuum {
		if err := a.DB.Vacuum(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Database vacuumed")
	}
	return nil
}
