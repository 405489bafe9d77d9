package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// TaskSpec is a task a planning worker files. Priority must be low, medium,
// or high.
type TaskSpec struct {
	Title          string
	Description    string
	Priority       string
	EstimatedHours *float64
}

// localTaskOwner scopes locally filed tasks when the repository has no
// supported remote.
const (
	localTaskOwner = "local"
	localTaskRepo  = "tasks"
)

var taskPriorities = map[string]bool{"low": true, "medium": true, "high": true}

// CreateTask records the planning worker's task as a locally numbered issue
// row, completes the worker, and cleans it up. Task numbers share the issue
// table's per-repo sequence, so cached provider issues and filed tasks never
// collide.
func (e *Engine) CreateTask(ctx context.Context, callerID string, spec TaskSpec) (*store.IssueRecord, error) {
	unlock := e.lockWorker(callerID)
	defer unlock()

	caller, err := e.db.Workers().Get(ctx, callerID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return nil, swarmerr.WorkflowInstanceNotFoundErr(callerID)
		}
		return nil, err
	}
	if caller.Kind != store.KindPlanning {
		return nil, swarmerr.WorkflowToolForbiddenErr(caller.ID, string(caller.Kind), "create_task")
	}
	if caller.Status.IsTerminal() {
		return nil, swarmerr.WorkflowTerminalStateErr(caller.ID, string(caller.Status))
	}
	if caller.Status != store.StatusStarted {
		return nil, invalidStateErr(caller, "create_task", store.StatusStarted)
	}
	if strings.TrimSpace(spec.Title) == "" {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("create_task", "title is required")
	}
	if !taskPriorities[spec.Priority] {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("create_task",
			fmt.Sprintf("priority must be low, medium, or high, got %q", spec.Priority))
	}
	if spec.EstimatedHours != nil && *spec.EstimatedHours <= 0 {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("create_task", "estimated_hours must be positive")
	}

	owner, name := e.taskScope(ctx)

	labels := []string{"task", "priority:" + spec.Priority}
	if spec.EstimatedHours != nil {
		labels = append(labels, fmt.Sprintf("estimate:%gh", *spec.EstimatedHours))
	}
	now := time.Now().UTC()
	rec := &store.IssueRecord{
		RepoOwner: owner,
		RepoName:  name,
		Title:     spec.Title,
		Body:      spec.Description,
		State:     "open",
		Labels:    strings.Join(labels, ","),
		CreatedAt: now,
		UpdatedAt: now,
	}

	caller.Status = store.StatusCompleted
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		number, err := tx.Issues().NextLocalNumber(ctx, owner, name)
		if err != nil {
			return err
		}
		rec.Number = number
		if err := tx.Issues().Upsert(ctx, rec); err != nil {
			return err
		}
		if err := tx.Workers().Update(ctx, caller); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         caller.ID,
			ToolName:         "create_task",
			Success:          true,
			StatusChange:     string(store.StatusCompleted),
			IsStatusUpdating: true,
			Metadata:         fmt.Sprintf(`{"task":%d}`, rec.Number),
		})
	})
	if err != nil {
		caller.Status = store.StatusStarted
		return nil, err
	}
	e.publish(pubsub.WorkerStatusChange, caller, "create_task", "")

	log.Info(log.CatEngine, "task filed",
		"worker", caller.ID, "task", rec.Number, "priority", spec.Priority)
	if err := e.cleanup(ctx, caller, resourcesOf(caller), "create_task", store.StatusTerminated); err != nil {
		log.ErrorErr(log.CatEngine, "cleanup after create_task", err, "worker", caller.ID)
	}
	return rec, nil
}

// taskScope picks the issue-table scope for filed tasks: the repository's
// remote when one is recognized, a local bucket otherwise.
func (e *Engine) taskScope(ctx context.Context) (owner, name string) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()
	repo, err := e.drv.Git.ValidateRepo(octx, e.opts.RepoPath)
	if err == nil && repo.Remote != nil {
		return repo.Remote.Owner, repo.Remote.Name
	}
	return localTaskOwner, localTaskRepo
}

// Analysis scopes and depths accepted by AnalyzeRepository.
const (
	AnalysisScopeDiff = "diff"
	AnalysisScopeFull = "full"

	AnalysisDepthSummary  = "summary"
	AnalysisDepthDetailed = "detailed"
)

// RepoAnalysis is the structured report AnalyzeRepository returns.
type RepoAnalysis struct {
	RepoPath   string `json:"repo_path"`
	Branch     string `json:"branch"`
	HeadCommit string `json:"head_commit"`
	BaseBranch string `json:"base_branch"`
	Scope      string `json:"scope"`
	Depth      string `json:"depth"`

	// Full-scope fields.
	Clean       bool   `json:"clean,omitempty"`
	RemoteOwner string `json:"remote_owner,omitempty"`
	RemoteName  string `json:"remote_name,omitempty"`

	FilesChanged   int              `json:"files_changed"`
	TotalAdditions int              `json:"total_additions"`
	TotalDeletions int              `json:"total_deletions"`
	Files          []git.FileChange `json:"files,omitempty"`
}

// AnalyzeRepository inspects the caller's worktree against its base branch.
// It is read-only: no status transition, no cleanup, just a bumped
// last_activity for liveness tracking.
func (e *Engine) AnalyzeRepository(ctx context.Context, callerID, scope, depth string) (*RepoAnalysis, error) {
	if scope != AnalysisScopeDiff && scope != AnalysisScopeFull {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("analyze_repository",
			fmt.Sprintf("scope must be diff or full, got %q", scope))
	}
	if depth != AnalysisDepthSummary && depth != AnalysisDepthDetailed {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("analyze_repository",
			fmt.Sprintf("depth must be summary or detailed, got %q", depth))
	}

	caller, err := e.db.Workers().Get(ctx, callerID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return nil, swarmerr.WorkflowInstanceNotFoundErr(callerID)
		}
		return nil, err
	}
	if caller.Status.IsTerminal() {
		return nil, swarmerr.WorkflowTerminalStateErr(caller.ID, string(caller.Status))
	}

	dir := e.opts.RepoPath
	if caller.WorktreePath != nil && *caller.WorktreePath != "" {
		dir = *caller.WorktreePath
	}
	base := e.opts.DefaultBranch
	if caller.BaseBranch != nil && *caller.BaseBranch != "" {
		base = *caller.BaseBranch
	}

	octx, cancel := e.opCtx(ctx)
	defer cancel()

	repo, err := e.drv.Git.ValidateRepo(octx, dir)
	if err != nil {
		return nil, err
	}
	analysis := &RepoAnalysis{
		RepoPath:   dir,
		Branch:     repo.CurrentBranch,
		HeadCommit: repo.HeadCommit,
		BaseBranch: base,
		Scope:      scope,
		Depth:      depth,
	}

	diff, err := e.drv.Git.Diff(octx, dir, base, "")
	if err != nil {
		return nil, err
	}
	analysis.FilesChanged = len(diff.Files)
	analysis.TotalAdditions = diff.TotalAdditions
	analysis.TotalDeletions = diff.TotalDeletions
	if depth == AnalysisDepthDetailed {
		analysis.Files = diff.Files
	}

	if scope == AnalysisScopeFull {
		analysis.Clean = repo.Clean
		if repo.Remote != nil {
			analysis.RemoteOwner = repo.Remote.Owner
			analysis.RemoteName = repo.Remote.Name
		}
	}

	if err := e.db.Workers().TouchActivity(ctx, caller.ID); err != nil {
		log.Warn(log.CatEngine, "activity bump failed", "worker", caller.ID, "error", err.Error())
	}
	return analysis, nil
}
