package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <worker-id>",
	Short: "Terminate a worker and release its resources",
	Long: `Run the cleanup protocol for a worker: kill the LM and tool-server
subprocesses, kill the tmux session, remove the worktree, then mark the row
terminated. Cleanup is idempotent; already-released handles are skipped.
Active review children of a coding worker are cleaned up with it.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	if err := a.Engine.Terminate(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s terminated\n", id)
	return nil
}
