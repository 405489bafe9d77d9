// Package git shells out to the git CLI for the small set of repository
// operations the workflow engine needs: repo validation, worktree lifecycle,
// diff summaries, and remote URL parsing.
package git

import (
	"context"
	"time"
)

// Repo describes a validated repository.
type Repo struct {
	Path          string
	CurrentBranch string // empty when HEAD is detached
	HeadCommit    string
	Clean         bool
	Remote        *Remote // nil when no remote or unsupported host
}

// Remote identifies a repository on a supported hosting site.
type Remote struct {
	Host  string
	Owner string
	Name  string
}

// ChangeStatus classifies a changed file by its line counts.
type ChangeStatus string

const (
	StatusAdded    ChangeStatus = "added"
	StatusDeleted  ChangeStatus = "deleted"
	StatusModified ChangeStatus = "modified"
)

// FileChange holds per-file diff counts.
type FileChange struct {
	Path      string       `json:"path"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
	Status    ChangeStatus `json:"status"`
}

// DiffSummary is the structured result of a diff between two refs.
type DiffSummary struct {
	Files          []FileChange
	TotalAdditions int
	TotalDeletions int
}

// WorktreeSpec describes a worktree to create. Branch defaults to
// "swarm/<name>" when empty. Overwrite removes an existing worktree at the
// target path before creating.
type WorktreeSpec struct {
	Name       string
	BaseBranch string
	Branch     string
	Overwrite  bool
}

// Worktree is the handle returned by CreateWorktree.
type Worktree struct {
	Path   string
	Branch string
}

// Driver is the git surface the engine depends on. Implementations must be
// safe for concurrent use.
type Driver interface {
	// ValidateRepo verifies that path holds a repository with at least one
	// commit and reports its current branch, head commit, cleanliness, and
	// parsed remote. An unsupported or missing remote leaves Remote nil; it
	// is not an error.
	ValidateRepo(ctx context.Context, path string) (*Repo, error)

	// CreateWorktree creates a worktree under the configured base directory
	// with a new branch off spec.BaseBranch (HEAD when empty). Fails with
	// git-branch-exists when the target path or branch is already taken and
	// Overwrite is false.
	CreateWorktree(ctx context.Context, spec WorktreeSpec) (*Worktree, error)

	// RemoveWorktree removes the worktree at path and deletes its branch if
	// no other worktree references it. A missing worktree is not an error.
	RemoveWorktree(ctx context.Context, path string) error

	// Diff summarizes changes between base and target (HEAD when empty),
	// using merge-base semantics so only the target side's changes count.
	Diff(ctx context.Context, dir, base, target string) (*DiffSummary, error)

	// Patch returns the raw unified diff between base and target, for
	// building review prompts.
	Patch(ctx context.Context, dir, base, target string) (string, error)

	// WorkingTreeClean reports whether dir has no uncommitted changes.
	WorkingTreeClean(ctx context.Context, dir string) (bool, error)
}

// Options configure a CLIDriver.
type Options struct {
	// RepoPath is the main repository all worktrees branch from.
	RepoPath string
	// BasePath is the directory worktrees are created under.
	BasePath string
	// SupportedHosts restricts remote URL recognition.
	SupportedHosts []string
	// Timeout bounds each git invocation. Zero means no per-command bound
	// beyond the caller's context.
	Timeout time.Duration
}
