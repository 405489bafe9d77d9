package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/prompts"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// RequestReview moves a coding worker to waiting_review and spawns its
// review child. The child branches from the parent's branch, gets the
// parent's prompt and a digest of its changes, and can type back into the
// parent's session when it finishes.
func (e *Engine) RequestReview(ctx context.Context, parentID, description string) (*store.Worker, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanReviewSpawn,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrParentID, parentID)))
	defer span.End()

	child, err := e.requestReview(ctx, parentID, description)
	spanError(span, err)
	if child != nil {
		span.SetAttributes(
			attribute.String(tracing.AttrWorkerID, child.ID),
		)
	}
	return child, err
}

func (e *Engine) requestReview(ctx context.Context, parentID, description string) (*store.Worker, error) {
	unlock := e.lockWorker(parentID)
	defer unlock()

	parent, err := e.db.Workers().Get(ctx, parentID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return nil, swarmerr.WorkflowParentNotFoundErr(parentID)
		}
		return nil, err
	}
	if parent.Kind != store.KindCoding {
		return nil, swarmerr.WorkflowParentInvalidStateErr(parent.ID, string(parent.Status))
	}
	if parent.Status != store.StatusStarted {
		// A second request while a review is active lands here and in the
		// serial-review check below.
		return nil, swarmerr.WorkflowParentInvalidStateErr(parent.ID, string(parent.Status))
	}
	if parent.Branch == nil || parent.SessionName == nil {
		return nil, swarmerr.WorkflowParentInvalidStateErr(parent.ID, string(parent.Status)).
			WithDetail("reason", "parent has no branch or session")
	}

	children, err := e.db.Workers().ActiveReviewChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 {
		return nil, swarmerr.WorkflowParentInvalidStateErr(parent.ID, string(parent.Status)).
			WithDetail("active_review", children[0].ID).
			WithSuggestion("wait for the active review to finish")
	}

	if err := e.transition(ctx, parent, store.StatusWaitingReview, "request_review"); err != nil {
		return nil, err
	}

	child, err := e.spawnReview(ctx, parent, description)
	if err != nil {
		// The parent resumes as if the request never happened; the child row
		// (if inserted) was marked failed by the launch rollback.
		if revertErr := e.transition(ctx, parent, store.StatusStarted, "request_review"); revertErr != nil {
			log.ErrorErr(log.CatEngine, "parent revert after spawn failure", revertErr,
				"parent", parent.ID)
		}
		return nil, err
	}
	return child, nil
}

// spawnReview runs the review-spawn protocol against a validated parent.
// The caller holds the parent's lock.
func (e *Engine) spawnReview(ctx context.Context, parent *store.Worker, description string) (*store.Worker, error) {
	id := newReviewID(parent.ID)
	branch := git.SanitizeBranchName("review/" + id)

	unlock := e.lockWorker(id)
	defer unlock()

	iteration, err := e.db.Relationships().NextIteration(ctx, parent.ID, store.RelSpawnedReview)
	if err != nil {
		return nil, err
	}

	child := &store.Worker{
		ID:           id,
		Kind:         store.KindReview,
		Status:       store.StatusStarted,
		Branch:       &branch,
		BaseBranch:   parent.Branch,
		ParentID:     &parent.ID,
		IssueNumber:  parent.IssueNumber,
		SystemPrompt: description,
	}

	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		active, err := tx.Workers().CountActive(ctx)
		if err != nil {
			return err
		}
		if active >= e.opts.WorktreeMax {
			return swarmerr.WorkflowCapacityErr(e.opts.WorktreeMax)
		}
		if err := tx.Workers().Create(ctx, child); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         id,
			ToolName:         "spawn_review",
			Success:          true,
			StatusChange:     string(store.StatusStarted),
			IsStatusUpdating: true,
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(pubsub.WorkerStatusChange, child, "spawn_review", "")

	res, err := e.acquire(ctx, child, acquireSpec{
		baseBranch: *parent.Branch,
		branch:     branch,
		issue:      parent.IssueNumber,
		parentID:   parent.ID,
		parentSess: *parent.SessionName,
		taskPrompt: func(wt *git.Worktree) (string, error) {
			return e.prompts.RenderTask(store.KindReview, prompts.TaskParams{
				Prompt:       parent.SystemPrompt,
				Branch:       wt.Branch,
				BaseBranch:   deref(parent.BaseBranch),
				Worktree:     wt.Path,
				ParentID:     parent.ID,
				ParentPrompt: parent.SystemPrompt,
				Description:  description,
				Iteration:    iteration,
				ChangeDigest: e.changeDigest(ctx, wt.Path, deref(parent.BaseBranch), *parent.Branch),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	// Transaction B: child handles, the spawned_review edge, and the
	// parent's move to under_review land together.
	parent.Status = store.StatusUnderReview
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Workers().Update(ctx, child); err != nil {
			return err
		}
		if err := tx.Relationships().Create(ctx, &store.Relationship{
			ParentID:  parent.ID,
			ChildID:   child.ID,
			Kind:      store.RelSpawnedReview,
			Iteration: iteration,
		}); err != nil {
			return err
		}
		if err := tx.Workers().Update(ctx, parent); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         parent.ID,
			ToolName:         "request_review",
			Success:          true,
			StatusChange:     string(store.StatusUnderReview),
			IsStatusUpdating: true,
		})
	})
	if err != nil {
		parent.Status = store.StatusWaitingReview
		e.failLaunch(ctx, child, res, "finalize", err)
		return nil, swarmerr.WorkflowLaunchFailedErr(child.ID, "finalize", err)
	}

	log.Info(log.CatEngine, "review spawned",
		"parent", parent.ID, "child", child.ID, "iteration", iteration, "branch", branch)
	e.publish(pubsub.WorkerStatusChange, parent, "request_review", "")
	e.publish(pubsub.WorkerLaunched, child, "spawn_review", "")
	return child, nil
}

// changeDigest summarizes the parent's branch changes for the review prompt.
// Digest failures degrade to an empty section; the reviewer still has the
// worktree.
func (e *Engine) changeDigest(ctx context.Context, dir, base, target string) string {
	if base == "" {
		return ""
	}
	octx, cancel := e.opCtx(ctx)
	defer cancel()
	patch, err := e.drv.Git.Patch(octx, dir, base, target)
	if err != nil {
		log.Warn(log.CatEngine, "change digest failed",
			"dir", dir, "base", base, "target", target, "error", err.Error())
		return ""
	}
	return git.DigestPatch(patch)
}

// RequestChanges delivers review feedback into the parent's session, cycles
// the parent through feedback_received back to started, records the decision
// on the spawned_review edge, and cleans the reviewer up.
func (e *Engine) RequestChanges(ctx context.Context, reviewerID, feedback string) error {
	probe, err := e.db.Workers().Get(ctx, reviewerID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return swarmerr.WorkflowInstanceNotFoundErr(reviewerID)
		}
		return err
	}
	if probe.ParentID == nil {
		return swarmerr.WorkflowParentNotFoundErr(reviewerID).
			WithDetail("reason", "review worker has no parent")
	}
	parentID := *probe.ParentID

	unlock := e.lockPair(reviewerID, parentID)
	defer unlock()

	reviewer, err := e.db.Workers().Get(ctx, reviewerID)
	if err != nil {
		return err
	}
	if reviewer.Status.IsTerminal() {
		return swarmerr.WorkflowTerminalStateErr(reviewer.ID, string(reviewer.Status))
	}
	parent, err := e.db.Workers().Get(ctx, parentID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return swarmerr.WorkflowParentNotFoundErr(parentID)
		}
		return err
	}

	e.recordReviewDecision(ctx, parent.ID, reviewer.ID, "changes_requested", feedback)

	block := prompts.FeedbackBlock(feedback)

	if parent.Status.IsTerminal() {
		// Best effort: the author is gone, but an operator may still be
		// attached to a surviving session.
		delivered := false
		if parent.SessionName != nil {
			octx, cancel := e.opCtx(ctx)
			if err := e.drv.Term.SendKeys(octx, *parent.SessionName, block, true); err == nil {
				delivered = true
			}
			cancel()
		}
		meta, _ := json.Marshal(map[string]any{
			"parent":        parent.ID,
			"parent_status": parent.Status,
			"delivered":     delivered,
		})
		if err := e.db.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID: reviewer.ID,
			ToolName: "request_changes",
			Success:  true,
			Metadata: string(meta),
		}); err != nil {
			log.ErrorErr(log.CatEngine, "degraded feedback event lost", err, "reviewer", reviewer.ID)
		}
		log.Warn(log.CatEngine, "feedback for terminal parent",
			"parent", parent.ID, "status", parent.Status, "delivered", delivered)
		return e.cleanup(ctx, reviewer, resourcesOf(reviewer), "request_changes", store.StatusTerminated)
	}

	if parent.SessionName == nil {
		err := swarmerr.TermSessionNotFoundErr("").
			WithDetail("parent", parent.ID)
		return e.failFeedbackDelivery(ctx, parent, reviewer, err)
	}
	octx, cancel := e.opCtx(ctx)
	sendErr := e.drv.Term.SendKeys(octx, *parent.SessionName, block, true)
	cancel()
	if sendErr != nil {
		return e.failFeedbackDelivery(ctx, parent, reviewer, sendErr)
	}

	if err := e.transition(ctx, parent, store.StatusFeedbackReceived, "request_changes"); err != nil {
		return err
	}
	if err := e.transition(ctx, parent, store.StatusStarted, "request_changes"); err != nil {
		return err
	}
	return e.cleanup(ctx, reviewer, resourcesOf(reviewer), "request_changes", store.StatusTerminated)
}

// failFeedbackDelivery handles a live parent whose session is gone: the
// parent is failed and cleaned, the reviewer is cleaned, and the delivery
// error propagates to the tool caller.
func (e *Engine) failFeedbackDelivery(ctx context.Context, parent, reviewer *store.Worker, cause error) error {
	log.ErrorErr(log.CatEngine, "feedback delivery failed", cause,
		"parent", parent.ID, "reviewer", reviewer.ID)
	if err := e.cleanup(ctx, parent, resourcesOf(parent), "request_changes", store.StatusFailed); err != nil {
		log.ErrorErr(log.CatEngine, "parent cleanup after lost session", err, "parent", parent.ID)
	}
	e.publish(pubsub.WorkerFailed, parent, "request_changes", cause.Error())
	if err := e.cleanup(ctx, reviewer, resourcesOf(reviewer), "request_changes", store.StatusTerminated); err != nil {
		log.ErrorErr(log.CatEngine, "reviewer cleanup after lost session", err, "reviewer", reviewer.ID)
	}
	return cause
}

// recordReviewDecision writes the decision onto the reviewer's
// spawned_review edge. A missing edge is logged, not fatal: the feedback
// still reaches the author.
func (e *Engine) recordReviewDecision(ctx context.Context, parentID, reviewerID, decision, review string) {
	rels, err := e.db.Relationships().ForWorker(ctx, reviewerID)
	if err != nil {
		log.ErrorErr(log.CatEngine, "review edge lookup failed", err, "reviewer", reviewerID)
		return
	}
	for _, rel := range rels {
		if rel.Kind == store.RelSpawnedReview && rel.ChildID == reviewerID && rel.ParentID == parentID {
			meta, _ := json.Marshal(map[string]any{
				"review":       review,
				"decision":     decision,
				"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err := e.db.Relationships().UpdateMetadata(ctx, rel.ID, string(meta)); err != nil {
				log.ErrorErr(log.CatEngine, "review edge metadata write failed", err,
					"relationship", rel.ID)
			}
			return
		}
	}
	log.Warn(log.CatEngine, "no spawned_review edge for reviewer",
		"reviewer", reviewerID, "parent", parentID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// reviewDecisionPR is the metadata decision recorded when a review ends in a
// pull request instead of change requests.
const reviewDecisionPR = "approved_pr_created"
