package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/engine"
	"github.com/zjrosen/swarmd/internal/store"
)

type launchFlags struct {
	kind       string
	prompt     string
	issue      int
	baseBranch string
	forkOf     string
	planner    string
}

var launchOpts launchFlags

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a coding or planning worker",
	Long: `Launch a worker: insert its row, create the worktree and tmux session,
start the tool server and the LM CLI, then type the task prompt into the
session. Review workers cannot be launched directly; a coding worker spawns
its own reviewer through the request_review tool.

Examples:
  # A coding worker on a fresh branch off the default base
  swarmd launch --prompt "Add pagination to the issues endpoint"

  # A planning worker enriched with hosting issue #42
  swarmd launch --kind planning --issue 42 --prompt "Plan the migration"

  # Branch from another worker's in-progress work
  swarmd launch --prompt "Continue the refactor" --fork-of coding-a1b2c3d4`,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)

	launchCmd.Flags().StringVarP(&launchOpts.kind, "kind", "k", "coding",
		"worker kind: coding or planning")
	launchCmd.Flags().StringVarP(&launchOpts.prompt, "prompt", "p", "",
		"task prompt typed into the worker's session")
	launchCmd.Flags().IntVar(&launchOpts.issue, "issue", 0,
		"hosting issue number to enrich the prompt with")
	launchCmd.Flags().StringVar(&launchOpts.baseBranch, "base-branch", "",
		"branch to base the worktree on (default: configured default branch)")
	launchCmd.Flags().StringVar(&launchOpts.forkOf, "fork-of", "",
		"existing coding worker whose branch the new worker forks")
	launchCmd.Flags().StringVar(&launchOpts.planner, "planner", "",
		"planning worker whose task this launch implements")
	_ = launchCmd.MarkFlagRequired("prompt")
}

// buildLaunchSpec validates the flag set and converts it into an engine
// LaunchSpec. Kept separate from runLaunch so the validation is testable
// without constructing the runtime.
func buildLaunchSpec(o launchFlags) (engine.LaunchSpec, error) {
	kind := store.WorkerKind(o.kind)
	if kind == store.KindReview {
		return engine.LaunchSpec{}, fmt.Errorf(
			"review workers are spawned by their coding parent via request_review, not launched")
	}
	if !kind.Valid() {
		return engine.LaunchSpec{}, fmt.Errorf("unknown worker kind %q (want coding or planning)", o.kind)
	}
	spec := engine.LaunchSpec{
		Kind:       kind,
		Prompt:     o.prompt,
		BaseBranch: o.baseBranch,
		ForkOf:     o.forkOf,
		Planner:    o.planner,
	}
	if o.issue > 0 {
		n := o.issue
		spec.Issue = &n
	}
	return spec, nil
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	spec, err := buildLaunchSpec(launchOpts)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.Engine.Launch(cmd.Context(), spec)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Launched %s worker %s\n", w.Kind, w.ID)
	fmt.Fprintf(out, "  session:  %s\n", strOrDash(w.SessionName))
	fmt.Fprintf(out, "  worktree: %s\n", strOrDash(w.WorktreePath))
	fmt.Fprintf(out, "  branch:   %s\n", strOrDash(w.Branch))
	return nil
}

func strOrDash(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}
