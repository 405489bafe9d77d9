package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swarmd/internal/hosting"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// PullRequestArgs are passed through to the hosting provider verbatim;
// empty title and body are legal.
type PullRequestArgs struct {
	Title string
	Body  string
	Draft bool
}

// PullRequestResult reports what was opened and for whom.
type PullRequestResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	// WorkerID is the worker whose branch the pull request ships: the caller
	// for coding workers, the parent for review workers.
	WorkerID string `json:"worker_id"`
}

// CreatePullRequest opens a pull request for the caller's work. A coding
// caller ships its own branch; a review caller ships its parent's branch and
// completes both workers. On hosting failure a coding caller reverts to
// started, while a review caller stays in creating_pr for the operator.
func (e *Engine) CreatePullRequest(ctx context.Context, callerID string, args PullRequestArgs) (*PullRequestResult, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanCreatePR,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrToolCallerID, callerID)))
	defer span.End()

	res, err := e.createPullRequest(ctx, callerID, args)
	spanError(span, err)
	if res != nil {
		span.SetAttributes(attribute.Int(tracing.AttrPRNumber, res.Number))
	}
	return res, err
}

func (e *Engine) createPullRequest(ctx context.Context, callerID string, args PullRequestArgs) (*PullRequestResult, error) {
	probe, err := e.db.Workers().Get(ctx, callerID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return nil, swarmerr.WorkflowInstanceNotFoundErr(callerID)
		}
		return nil, err
	}

	var unlock func()
	if probe.Kind == store.KindReview && probe.ParentID != nil {
		unlock = e.lockPair(callerID, *probe.ParentID)
	} else {
		unlock = e.lockWorker(callerID)
	}
	defer unlock()

	caller, err := e.db.Workers().Get(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if caller.Status.IsTerminal() {
		return nil, swarmerr.WorkflowTerminalStateErr(caller.ID, string(caller.Status))
	}

	switch caller.Kind {
	case store.KindCoding:
		return e.prForCoding(ctx, caller, args)
	case store.KindReview:
		return e.prForReview(ctx, caller, args)
	default:
		return nil, swarmerr.WorkflowToolForbiddenErr(caller.ID, string(caller.Kind), "create_pull_request")
	}
}

func (e *Engine) prForCoding(ctx context.Context, caller *store.Worker, args PullRequestArgs) (*PullRequestResult, error) {
	if caller.Status != store.StatusStarted {
		return nil, invalidStateErr(caller, "create_pull_request", store.StatusStarted)
	}
	if caller.Branch == nil || caller.BaseBranch == nil {
		return nil, swarmerr.WorkflowPRCreationFailedErr(caller.ID,
			fmt.Errorf("worker has no branch to open a pull request from"))
	}
	head, base := *caller.Branch, *caller.BaseBranch

	if err := e.transition(ctx, caller, store.StatusCreatingPR, "create_pull_request"); err != nil {
		return nil, err
	}

	pr, err := e.openPR(ctx, caller, head, base, args)
	if err != nil {
		// The author resumes; the failure stays visible in the audit trail.
		if revertErr := e.transition(ctx, caller, store.StatusStarted, "create_pull_request"); revertErr != nil {
			log.ErrorErr(log.CatEngine, "revert after pr failure", revertErr, "worker", caller.ID)
		}
		return nil, swarmerr.WorkflowPRCreationFailedErr(caller.ID, err)
	}

	caller.PRNumber = &pr.Number
	caller.PRURL = &pr.URL
	if err := e.transition(ctx, caller, store.StatusCompleted, "create_pull_request"); err != nil {
		return nil, err
	}
	if err := e.cleanup(ctx, caller, resourcesOf(caller), "create_pull_request", store.StatusTerminated); err != nil {
		log.ErrorErr(log.CatEngine, "cleanup after pr", err, "worker", caller.ID)
	}
	return &PullRequestResult{Number: pr.Number, URL: pr.URL, WorkerID: caller.ID}, nil
}

func (e *Engine) prForReview(ctx context.Context, caller *store.Worker, args PullRequestArgs) (*PullRequestResult, error) {
	if caller.Status != store.StatusStarted {
		return nil, invalidStateErr(caller, "create_pull_request", store.StatusStarted)
	}
	if caller.ParentID == nil {
		return nil, swarmerr.WorkflowParentNotFoundErr(caller.ID).
			WithDetail("reason", "review worker has no parent")
	}
	parent, err := e.db.Workers().Get(ctx, *caller.ParentID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return nil, swarmerr.WorkflowParentNotFoundErr(*caller.ParentID)
		}
		return nil, err
	}
	if parent.Status != store.StatusUnderReview {
		return nil, swarmerr.WorkflowParentInvalidStateErr(parent.ID, string(parent.Status))
	}
	if parent.Branch == nil || parent.BaseBranch == nil {
		return nil, swarmerr.WorkflowPRCreationFailedErr(caller.ID,
			fmt.Errorf("parent %s has no branch to open a pull request from", parent.ID))
	}
	// The pull request ships the author's branch, not the reviewer's.
	head, base := *parent.Branch, *parent.BaseBranch

	if err := e.transition(ctx, caller, store.StatusCreatingPR, "create_pull_request"); err != nil {
		return nil, err
	}

	pr, err := e.openPR(ctx, caller, head, base, args)
	if err != nil {
		// The reviewer stays in creating_pr for operator action; completing
		// or terminating it would silently drop an approved review.
		return nil, swarmerr.WorkflowPRCreationFailedErr(caller.ID, err)
	}

	e.recordReviewDecision(ctx, parent.ID, caller.ID, reviewDecisionPR, args.Title)

	parent.PRNumber = &pr.Number
	parent.PRURL = &pr.URL
	caller.PRNumber = &pr.Number
	caller.PRURL = &pr.URL

	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		parent.Status = store.StatusCompleted
		if err := tx.Workers().Update(ctx, parent); err != nil {
			return err
		}
		if err := tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         parent.ID,
			ToolName:         "create_pull_request",
			Success:          true,
			StatusChange:     string(store.StatusCompleted),
			IsStatusUpdating: true,
		}); err != nil {
			return err
		}
		caller.Status = store.StatusCompleted
		if err := tx.Workers().Update(ctx, caller); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         caller.ID,
			ToolName:         "create_pull_request",
			Success:          true,
			StatusChange:     string(store.StatusCompleted),
			IsStatusUpdating: true,
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(pubsub.WorkerStatusChange, parent, "create_pull_request", "")
	e.publish(pubsub.WorkerStatusChange, caller, "create_pull_request", "")

	if err := e.cleanup(ctx, parent, resourcesOf(parent), "create_pull_request", store.StatusTerminated); err != nil {
		log.ErrorErr(log.CatEngine, "parent cleanup after pr", err, "worker", parent.ID)
	}
	if err := e.cleanup(ctx, caller, resourcesOf(caller), "create_pull_request", store.StatusTerminated); err != nil {
		log.ErrorErr(log.CatEngine, "reviewer cleanup after pr", err, "worker", caller.ID)
	}
	return &PullRequestResult{Number: pr.Number, URL: pr.URL, WorkerID: parent.ID}, nil
}

// openPR resolves the repository's remote and calls the hosting provider.
// The failure, whatever its source, lands in the audit trail.
func (e *Engine) openPR(ctx context.Context, caller *store.Worker, head, base string, args PullRequestArgs) (*hosting.PullRequest, error) {
	pr, err := e.callHosting(ctx, head, base, args)

	meta, _ := json.Marshal(map[string]any{
		"head":  head,
		"base":  base,
		"draft": args.Draft,
	})
	ev := &store.ToolEvent{
		WorkerID: caller.ID,
		ToolName: "create_pull_request",
		Success:  err == nil,
		Metadata: string(meta),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if logErr := e.db.ToolEvents().Log(ctx, ev); logErr != nil {
		log.ErrorErr(log.CatEngine, "pr audit event lost", logErr, "worker", caller.ID)
	}

	if err != nil {
		log.ErrorErr(log.CatEngine, "pull request creation failed", err,
			"worker", caller.ID, "head", head, "base", base)
		return nil, err
	}
	log.Info(log.CatEngine, "pull request created",
		"worker", caller.ID, "number", pr.Number, "url", pr.URL)
	return pr, nil
}

func (e *Engine) callHosting(ctx context.Context, head, base string, args PullRequestArgs) (*hosting.PullRequest, error) {
	if e.drv.Hosting == nil {
		return nil, swarmerr.HostingAuthErr("no hosting token configured")
	}
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	repo, err := e.drv.Git.ValidateRepo(octx, e.opts.RepoPath)
	if err != nil {
		return nil, err
	}
	if repo.Remote == nil {
		return nil, swarmerr.New(swarmerr.CompGit, swarmerr.GitInvalidRemote,
			fmt.Sprintf("repository at %q has no supported hosting remote", e.opts.RepoPath)).
			WithSuggestion("add a remote on a supported hosting site")
	}
	return e.drv.Hosting.CreatePullRequest(octx, repo.Remote.Owner, repo.Remote.Name, hosting.PullRequestSpec{
		Title: args.Title,
		Body:  args.Body,
		Head:  head,
		Base:  base,
		Draft: args.Draft,
	})
}

// invalidStateErr reports a caller in the wrong lifecycle state for a tool.
func invalidStateErr(w *store.Worker, tool string, want store.WorkerStatus) *swarmerr.SwarmError {
	return swarmerr.New(swarmerr.CompWorkflow, swarmerr.WorkflowParentInvalidState,
		fmt.Sprintf("worker %q is %s; %s requires %s", w.ID, w.Status, tool, want)).
		WithDetail("worker_id", w.ID).
		WithDetail("status", string(w.Status))
}
