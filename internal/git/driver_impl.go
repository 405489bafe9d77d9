package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// Compile-time check that CLIDriver implements Driver.
var _ Driver = (*CLIDriver)(nil)

// CLIDriver implements Driver by executing the git binary. All arguments are
// passed as argv elements; nothing crosses a shell.
type CLIDriver struct {
	opts Options
}

// NewCLIDriver creates a CLIDriver with the given options.
func NewCLIDriver(opts Options) *CLIDriver {
	return &CLIDriver{opts: opts}
}

// runGit executes a git command in dir and discards stdout.
func (d *CLIDriver) runGit(ctx context.Context, dir string, args ...string) error {
	_, err := d.runGitOutput(ctx, dir, args...)
	return err
}

// runGitOutput executes a git command in dir and returns trimmed stdout.
func (d *CLIDriver) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", swarmerr.GitCommandFailedErr(args, "timed out").WithCause(ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		return "", classifyGitError(args, stderrStr, err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// classifyGitError converts git stderr messages to typed errors.
func classifyGitError(args []string, stderr string, cause error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch taken: fatal: '<branch>' is already checked out / already exists
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") ||
		strings.Contains(stderrLower, "already exists") {
		return swarmerr.New(swarmerr.CompGit, swarmerr.GitBranchExists, stderr).WithCause(cause)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return swarmerr.New(swarmerr.CompGit, swarmerr.GitRepoInvalid, stderr).WithCause(cause)
	}

	if strings.Contains(stderrLower, "not a valid ref") ||
		strings.Contains(stderrLower, "unknown revision") ||
		strings.Contains(stderrLower, "bad revision") {
		return swarmerr.GitCommandFailedErr(args, stderr).WithCause(cause).
			WithSuggestion("check that the base branch exists")
	}

	return swarmerr.GitCommandFailedErr(args, stderr).WithCause(cause)
}

// ValidateRepo verifies path holds a repository with at least one commit.
func (d *CLIDriver) ValidateRepo(ctx context.Context, path string) (*Repo, error) {
	if _, err := d.runGitOutput(ctx, path, "rev-parse", "--git-dir"); err != nil {
		return nil, swarmerr.GitRepoInvalidErr(path, "not a git repository").WithCause(err)
	}

	head, err := d.runGitOutput(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, swarmerr.GitRepoInvalidErr(path, "repository has no commits").WithCause(err)
	}

	repo := &Repo{Path: path, HeadCommit: head}

	// Empty output means detached HEAD; that is valid, CurrentBranch stays "".
	branch, err := d.runGitOutput(ctx, path, "branch", "--show-current")
	if err == nil {
		repo.CurrentBranch = branch
	}

	clean, err := d.WorkingTreeClean(ctx, path)
	if err != nil {
		return nil, err
	}
	repo.Clean = clean

	// A missing or unsupported remote is fine; owner/name just stay empty.
	if url, err := d.runGitOutput(ctx, path, "config", "--get", "remote.origin.url"); err == nil && url != "" {
		repo.Remote = ParseRemoteURL(url, d.opts.SupportedHosts)
	}

	return repo, nil
}

// CreateWorktree creates a worktree under BasePath with a new branch.
func (d *CLIDriver) CreateWorktree(ctx context.Context, spec WorktreeSpec) (*Worktree, error) {
	if spec.Name == "" {
		return nil, swarmerr.GitCommandFailedErr([]string{"worktree", "add"}, "worktree name is empty")
	}

	branch := spec.Branch
	if branch == "" {
		branch = SanitizeBranchName("swarm/" + spec.Name)
	}
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}

	path := filepath.Join(d.opts.BasePath, spec.Name)

	if _, err := os.Stat(path); err == nil {
		if !spec.Overwrite {
			return nil, swarmerr.New(swarmerr.CompGit, swarmerr.GitBranchExists,
				fmt.Sprintf("worktree path %q already exists", path)).
				WithDetail("path", path).
				WithSuggestion("remove the existing worktree or pass overwrite")
		}
		if err := d.RemoveWorktree(ctx, path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(d.opts.BasePath, 0750); err != nil {
		return nil, swarmerr.GitCommandFailedErr([]string{"worktree", "add"}, err.Error()).WithCause(err)
	}

	// git worktree add -b <branch> <path> [<start-point>]
	args := []string{"worktree", "add", "-b", branch, path}
	if spec.BaseBranch != "" {
		args = append(args, spec.BaseBranch)
	}
	if err := d.runGit(ctx, d.opts.RepoPath, args...); err != nil {
		return nil, err
	}

	return &Worktree{Path: path, Branch: branch}, nil
}

// RemoveWorktree removes the worktree at path and its branch when no other
// worktree references it. Missing worktrees are treated as already removed.
func (d *CLIDriver) RemoveWorktree(ctx context.Context, path string) error {
	branch := ""
	worktrees, err := d.listWorktrees(ctx)
	if err == nil {
		for _, wt := range worktrees {
			if samePath(wt.Path, path) {
				branch = wt.Branch
				break
			}
		}
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) && branch == "" {
		// Nothing on disk and git doesn't know it either.
		return d.runGit(ctx, d.opts.RepoPath, "worktree", "prune")
	}

	if err := d.runGit(ctx, d.opts.RepoPath, "worktree", "remove", path); err != nil {
		if err := d.runGit(ctx, d.opts.RepoPath, "worktree", "remove", "--force", path); err != nil {
			return err
		}
	}

	if err := d.runGit(ctx, d.opts.RepoPath, "worktree", "prune"); err != nil {
		return err
	}

	if branch != "" && !d.branchReferenced(ctx, branch) {
		// Unreferenced branch cleanup only; a shared branch stays.
		_ = d.runGit(ctx, d.opts.RepoPath, "branch", "-D", branch)
	}

	return nil
}

// branchReferenced reports whether any remaining worktree has branch checked out.
func (d *CLIDriver) branchReferenced(ctx context.Context, branch string) bool {
	worktrees, err := d.listWorktrees(ctx)
	if err != nil {
		return true
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return true
		}
	}
	return false
}

// Diff summarizes changes between base and target with merge-base semantics.
func (d *CLIDriver) Diff(ctx context.Context, dir, base, target string) (*DiffSummary, error) {
	if target == "" {
		target = "HEAD"
	}
	output, err := d.runGitOutput(ctx, dir, "diff", "--numstat", base+"..."+target)
	if err != nil {
		return nil, err
	}
	return parseNumstat(output), nil
}

// Patch returns the raw unified diff between base and target.
func (d *CLIDriver) Patch(ctx context.Context, dir, base, target string) (string, error) {
	if target == "" {
		target = "HEAD"
	}
	return d.runGitOutput(ctx, dir, "diff", base+"..."+target)
}

// WorkingTreeClean reports whether dir has no uncommitted changes.
func (d *CLIDriver) WorkingTreeClean(ctx context.Context, dir string) (bool, error) {
	output, err := d.runGitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output == "", nil
}

// worktreeInfo holds one entry of git worktree list --porcelain.
type worktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

func (d *CLIDriver) listWorktrees(ctx context.Context) ([]worktreeInfo, error) {
	output, err := d.runGitOutput(ctx, d.opts.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []worktreeInfo {
	var worktrees []worktreeInfo
	var current worktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = worktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// The last entry when output doesn't end with a blank line.
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// parseNumstat parses git diff --numstat output into a DiffSummary.
// Each line is "<additions>\t<deletions>\t<path>"; binary files show "-".
func parseNumstat(output string) *DiffSummary {
	summary := &DiffSummary{}
	if output == "" {
		return summary
	}

	for line := range strings.SplitSeq(output, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}

		additions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])

		change := FileChange{
			Path:      fields[2],
			Additions: additions,
			Deletions: deletions,
			Status:    classifyChange(additions, deletions),
		}
		summary.Files = append(summary.Files, change)
		summary.TotalAdditions += additions
		summary.TotalDeletions += deletions
	}

	return summary
}

// classifyChange maps line counts to a status: added when only insertions,
// deleted when only deletions, modified otherwise.
func classifyChange(additions, deletions int) ChangeStatus {
	switch {
	case additions > 0 && deletions == 0:
		return StatusAdded
	case deletions > 0 && additions == 0:
		return StatusDeleted
	default:
		return StatusModified
	}
}

// samePath compares paths after symlink resolution, falling back to a
// literal comparison. macOS aliases /var to /private/var.
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	realA, errA := filepath.EvalSymlinks(a)
	realB, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return false
	}
	return realA == realB
}

// String renders a DiffSummary as a compact one-file-per-line listing.
func (s *DiffSummary) String() string {
	if s == nil || len(s.Files) == 0 {
		return "no changes"
	}
	var sb strings.Builder
	for _, f := range s.Files {
		fmt.Fprintf(&sb, "%s %s (+%d -%d)\n", f.Status, f.Path, f.Additions, f.Deletions)
	}
	fmt.Fprintf(&sb, "%d files changed, +%d -%d", len(s.Files), s.TotalAdditions, s.TotalDeletions)
	return sb.String()
}
