// Package cmd wires the swarmd CLI: launching workers, listing and cleaning
// them up, running the daemon loop, and store maintenance.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/app"
	"github.com/zjrosen/swarmd/internal/config"
)

var (
	version  = "dev"
	cfgFile  string
	repoPath string
)

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "Orchestrate AI coding agents in isolated git worktrees",
	Long: `swarmd runs a fleet of AI coding agents as isolated workers. Each worker
owns a git worktree, a tmux session, an LM CLI subprocess, and a tool-server
subprocess exposing a narrow per-kind tool set. Workers coordinate only
through tool calls; every attempt lands in an append-only audit trail.

Examples:
  # Launch a coding worker against the current repository
  swarmd launch --prompt "Fix the flaky retry test in internal/queue"

  # Launch a planning worker for an issue
  swarmd launch --kind planning --issue 42 --prompt "Break this down"

  # See what is running
  swarmd list --status started,under_review

  # Tear a worker down and release its resources
  swarmd cleanup coding-a1b2c3d4

  # Run the orchestrator loop with reconciliation and DB watching
  swarmd daemon`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/swarmd/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", "",
		"path to the orchestrated git repository (default: current directory)")
}

// newApp builds the full runtime for commands that need the engine. The
// caller owns the returned App and must Close it.
func newApp() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	repo := repoPath
	if repo == "" {
		repo, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving repository path: %w", err)
		}
	}
	return app.New(cfg, app.Options{RepoPath: repo})
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
