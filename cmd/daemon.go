package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/watcher"
)

var daemonOpts struct {
	reconcileEvery time.Duration
	drainTimeout   time.Duration
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator loop",
	Long: `Run swarmd in the foreground: watch the database for changes, reconcile
the store against live tmux sessions on a fixed interval, and log worker
lifecycle events as they happen.

On SIGINT or SIGTERM the daemon drains: every active worker goes through the
cleanup protocol, bounded by --drain-timeout.

Example:
  swarmd daemon --reconcile-every 30s`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonOpts.reconcileEvery, "reconcile-every", time.Minute,
		"interval between reconciliation passes")
	daemonCmd.Flags().DurationVar(&daemonOpts.drainTimeout, "drain-timeout", 30*time.Second,
		"how long shutdown waits for worker cleanups")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbw, err := watcher.New(watcher.DefaultConfig(a.Config.DatabaseURL))
	if err != nil {
		return err
	}
	changes, err := dbw.Start()
	if err != nil {
		return err
	}
	defer func() { _ = dbw.Stop() }()

	events := a.Engine.Events().Subscribe(ctx)

	ticker := time.NewTicker(daemonOpts.reconcileEvery)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "swarmd daemon started (db: %s)\n", a.Config.DatabaseURL)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	reconcile := func() {
		report, rerr := a.Engine.Reconcile(ctx)
		if rerr != nil {
			log.ErrorErr(log.CatEngine, "reconcile failed", rerr)
			return
		}
		if n := len(report.Failed) + len(report.OrphanSessions) + len(report.Released); n > 0 {
			printReport(out, report)
		}
	}

	// True up anything a previous run left behind before settling into
	// the loop.
	reconcile()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down, draining workers...")
			drainCtx, cancel := context.WithTimeout(context.Background(), daemonOpts.drainTimeout)
			defer cancel()
			if derr := a.Engine.Shutdown(drainCtx); derr != nil {
				log.ErrorErr(log.CatEngine, "drain incomplete", derr)
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil

		case <-ticker.C:
			reconcile()

		case <-changes:
			log.Debug(log.CatWatcher, "database changed, reconciling")
			reconcile()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e := ev.Payload
			log.Info(log.CatEngine, "worker event",
				"type", e.Type, "worker", e.WorkerID, "kind", e.Kind,
				"status", e.Status, "tool", e.ToolName, "error", e.Err)
		}
	}
}
