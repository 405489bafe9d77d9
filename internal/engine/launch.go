package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/prompts"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// LaunchSpec describes a coding or planning worker to launch. Review workers
// are spawned through RequestReview, never launched directly.
type LaunchSpec struct {
	Kind   store.WorkerKind
	Prompt string
	// Issue enriches the task prompt with the hosting-provider issue.
	Issue *int
	// BaseBranch overrides the configured default branch.
	BaseBranch string
	// ForkOf names an existing coding worker; the new worker branches from
	// its branch and a created_fork edge is recorded.
	ForkOf string
	// Planner names the planning worker whose task this launch implements;
	// a planning_to_issue edge is recorded.
	Planner string
}

// Launch runs the launch protocol: insert the row, acquire worktree,
// session, tool server, and LM in order, type the task prompt, then finalize
// the handles. Any acquisition failure triggers the cleanup protocol and
// surfaces as workflow-launch-failed.
func (e *Engine) Launch(ctx context.Context, spec LaunchSpec) (*store.Worker, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanLaunch,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrWorkerKind, string(spec.Kind))))
	defer span.End()

	w, err := e.launch(ctx, spec)
	spanError(span, err)
	if w != nil {
		span.SetAttributes(attribute.String(tracing.AttrWorkerID, w.ID))
	}
	return w, err
}

func (e *Engine) launch(ctx context.Context, spec LaunchSpec) (*store.Worker, error) {
	if spec.Kind != store.KindCoding && spec.Kind != store.KindPlanning {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("launch",
			fmt.Sprintf("kind must be coding or planning, got %q", spec.Kind))
	}
	if spec.Prompt == "" {
		return nil, swarmerr.WorkflowInvalidArgumentsErr("launch", "prompt is required")
	}

	forkParent, planner, err := e.resolveLaunchEdges(ctx, spec)
	if err != nil {
		return nil, err
	}

	base := spec.BaseBranch
	if base == "" && forkParent != nil {
		if forkParent.Branch == nil || *forkParent.Branch == "" {
			return nil, swarmerr.WorkflowInvalidArgumentsErr("launch",
				fmt.Sprintf("fork source %s has no branch to fork from", forkParent.ID))
		}
		base = *forkParent.Branch
	}
	if base == "" {
		base = e.opts.DefaultBranch
	}

	id := newWorkerID(spec.Kind)
	unlock := e.lockWorker(id)
	defer unlock()

	w := &store.Worker{
		ID:           id,
		Kind:         spec.Kind,
		Status:       store.StatusStarted,
		BaseBranch:   &base,
		IssueNumber:  spec.Issue,
		SystemPrompt: spec.Prompt,
	}

	// Transaction A: capacity check and insert are atomic, so concurrent
	// launches cannot both squeeze past the cap.
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		active, err := tx.Workers().CountActive(ctx)
		if err != nil {
			return err
		}
		if active >= e.opts.WorktreeMax {
			return swarmerr.WorkflowCapacityErr(e.opts.WorktreeMax)
		}
		if err := tx.Workers().Create(ctx, w); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         id,
			ToolName:         "launch",
			Success:          true,
			StatusChange:     string(store.StatusStarted),
			IsStatusUpdating: true,
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(pubsub.WorkerStatusChange, w, "launch", "")

	res, err := e.acquire(ctx, w, acquireSpec{
		baseBranch: base,
		issue:      spec.Issue,
		taskPrompt: func(wt *git.Worktree) (string, error) {
			params := prompts.TaskParams{
				Prompt:     spec.Prompt,
				Branch:     wt.Branch,
				BaseBranch: base,
				Worktree:   wt.Path,
			}
			if spec.Issue != nil {
				params.IssueNumber = *spec.Issue
				params.IssueTitle, params.IssueBody = e.issueContext(ctx, *spec.Issue)
			}
			return e.prompts.RenderTask(spec.Kind, params)
		},
	})
	if err != nil {
		return nil, err
	}

	// Transaction B: persist handles and the launch-time relationship edges.
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Workers().Update(ctx, w); err != nil {
			return err
		}
		if forkParent != nil {
			if err := e.recordEdge(ctx, tx, forkParent.ID, id, store.RelCreatedFork, ""); err != nil {
				return err
			}
		}
		if planner != nil {
			meta := ""
			if spec.Issue != nil {
				b, _ := json.Marshal(map[string]int{"issue": *spec.Issue})
				meta = string(b)
			}
			if err := e.recordEdge(ctx, tx, planner.ID, id, store.RelPlanningToIssue, meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.failLaunch(ctx, w, res, "finalize", err)
		return nil, swarmerr.WorkflowLaunchFailedErr(id, "finalize", err)
	}

	log.Info(log.CatEngine, "worker launched",
		"worker", id, "kind", spec.Kind, "branch", *w.Branch, "base", base, "session", *w.SessionName)
	e.publish(pubsub.WorkerLaunched, w, "launch", "")
	return w, nil
}

// acquireSpec parameterizes resource acquisition between launch and review
// spawn; the two protocols differ only in branch naming and prompt text.
type acquireSpec struct {
	baseBranch string
	branch     string
	issue      *int
	parentID   string
	parentSess string
	taskPrompt func(wt *git.Worktree) (string, error)
}

// acquire claims the four worker resources in protocol order and fills the
// handle columns on w (in memory; the caller persists them). On failure the
// partially initialized worker goes through failLaunch and the returned
// error names the phase.
func (e *Engine) acquire(ctx context.Context, w *store.Worker, spec acquireSpec) (resources, error) {
	var res resources

	fail := func(phase string, err error) (resources, error) {
		e.failLaunch(ctx, w, res, phase, err)
		return res, swarmerr.WorkflowLaunchFailedErr(w.ID, phase, err)
	}

	wtCtx, cancel := e.opCtx(ctx)
	wt, err := e.drv.Git.CreateWorktree(wtCtx, git.WorktreeSpec{
		Name:       w.ID,
		BaseBranch: spec.baseBranch,
		Branch:     spec.branch,
	})
	cancel()
	if err != nil {
		return fail("worktree", err)
	}
	res.worktree = wt.Path
	w.WorktreePath = &wt.Path
	w.Branch = &wt.Branch

	session := e.sessionName(w.ID)
	sessCtx, cancel := e.opCtx(ctx)
	err = e.drv.Term.CreateSession(sessCtx, term.CreateSpec{Name: session, Dir: wt.Path})
	cancel()
	if err != nil {
		return fail("session", err)
	}
	res.session = session
	w.SessionName = &session

	tsCtx, cancel := e.launchCtx(ctx)
	ts, err := e.drv.Agent.StartToolServer(tsCtx, agent.ToolServerSpec{
		WorkerID:      w.ID,
		Kind:          w.Kind,
		Workspace:     wt.Path,
		Branch:        wt.Branch,
		Session:       session,
		Issue:         spec.issue,
		ParentID:      spec.parentID,
		ParentSession: spec.parentSess,
	})
	cancel()
	if err != nil {
		return fail("tool_server", err)
	}
	res.toolServer = ts
	w.ToolServerPID = &ts.PID

	lmCtx, cancel := e.launchCtx(ctx)
	lm, err := e.drv.Agent.StartLM(lmCtx, agent.LMSpec{
		Workspace: wt.Path,
		Session:   session,
		Env:       e.lmEnv(w, ts.Endpoint, spec.parentID),
	})
	cancel()
	if err != nil {
		return fail("lm", err)
	}
	res.lm = lm
	w.LMPID = &lm.PID

	text, err := spec.taskPrompt(wt)
	if err != nil {
		return fail("prompt", err)
	}

	if err := e.settle(ctx); err != nil {
		return fail("settle", err)
	}

	keysCtx, cancel := e.opCtx(ctx)
	err = e.drv.Term.SendKeys(keysCtx, session, text, true)
	cancel()
	if err != nil {
		return fail("send_keys", err)
	}

	return res, nil
}

// lmEnv is the environment injected onto the LM CLI invocation so the agent
// can find its tool server and identify itself on every call.
func (e *Engine) lmEnv(w *store.Worker, endpoint, parentID string) map[string]string {
	env := map[string]string{
		"INSTANCE_ID":     w.ID,
		"MCP_AGENT_ID":    w.ID,
		"MCP_SERVER_TYPE": string(w.Kind),
		"MCP_SERVER_URL":  endpoint,
	}
	if parentID != "" {
		env["PARENT_INSTANCE_ID"] = parentID
	}
	return env
}

// issueContext resolves issue title and body for prompt enrichment. Failures
// degrade to number-only prompts; they never fail a launch.
func (e *Engine) issueContext(ctx context.Context, number int) (title, body string) {
	if e.drv.Issues == nil {
		return "", ""
	}
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	repo, err := e.drv.Git.ValidateRepo(octx, e.opts.RepoPath)
	if err != nil || repo.Remote == nil {
		return "", ""
	}
	rec, err := e.drv.Issues.Get(octx, repo.Remote.Owner, repo.Remote.Name, number)
	if err != nil {
		log.Warn(log.CatEngine, "issue enrichment failed",
			"issue", number, "error", err.Error())
		return "", ""
	}
	return rec.Title, rec.Body
}

// recordEdge creates a relationship with the next iteration for its
// (parent, kind) pair.
func (e *Engine) recordEdge(ctx context.Context, tx *store.Tx, parentID, childID string, kind store.RelationshipKind, metadata string) error {
	iter, err := tx.Relationships().NextIteration(ctx, parentID, kind)
	if err != nil {
		return err
	}
	return tx.Relationships().Create(ctx, &store.Relationship{
		ParentID:  parentID,
		ChildID:   childID,
		Kind:      kind,
		Iteration: iter,
		Metadata:  metadata,
	})
}

// resolveLaunchEdges loads the fork source and planner named by the spec.
func (e *Engine) resolveLaunchEdges(ctx context.Context, spec LaunchSpec) (forkParent, planner *store.Worker, err error) {
	if spec.ForkOf != "" {
		forkParent, err = e.db.Workers().Get(ctx, spec.ForkOf)
		if err != nil {
			return nil, nil, err
		}
		if forkParent.Kind != store.KindCoding {
			return nil, nil, swarmerr.WorkflowInvalidArgumentsErr("launch",
				fmt.Sprintf("fork source %s is a %s worker, not coding", forkParent.ID, forkParent.Kind))
		}
	}
	if spec.Planner != "" {
		planner, err = e.db.Workers().Get(ctx, spec.Planner)
		if err != nil {
			return nil, nil, err
		}
		if planner.Kind != store.KindPlanning {
			return nil, nil, swarmerr.WorkflowInvalidArgumentsErr("launch",
				fmt.Sprintf("planner %s is a %s worker, not planning", planner.ID, planner.Kind))
		}
	}
	return forkParent, planner, nil
}

// settle waits out the LM CLI's startup draw before keys are sent.
func (e *Engine) settle(ctx context.Context) error {
	t := time.NewTimer(e.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
