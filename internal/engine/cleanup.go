package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// resources are the live handles a worker holds, in acquisition order.
// Cleanup releases them in reverse.
type resources struct {
	worktree   string
	session    string
	toolServer *agent.ToolServerHandle
	lm         *agent.LMHandle
}

// resourcesOf reconstructs handles from a stored row, for workers this
// process did not launch itself.
func resourcesOf(w *store.Worker) resources {
	var res resources
	if w.WorktreePath != nil {
		res.worktree = *w.WorktreePath
	}
	if w.SessionName != nil {
		res.session = *w.SessionName
	}
	if w.ToolServerPID != nil {
		res.toolServer = agent.HandleForPID(*w.ToolServerPID)
	}
	if w.LMPID != nil {
		res.lm = &agent.LMHandle{PID: *w.LMPID, Session: res.session}
	}
	return res
}

// cleanup releases a worker's resources in reverse acquisition order, then
// writes the terminal row state and audit events in one transaction. Each
// step is attempted regardless of earlier failures; a failed step leaves its
// handle column populated so operator tooling can retry. terminal is the
// status applied when the worker is still active; already-terminal workers
// keep their status. Callers must hold the worker's lock.
func (e *Engine) cleanup(ctx context.Context, w *store.Worker, res resources, initiator string, terminal store.WorkerStatus) error {
	// Cleanup must run to completion even when the caller's context is
	// already canceled (signal handling, launch rollback).
	ctx = context.WithoutCancel(ctx)

	ctx, span := e.tracer.Start(ctx, tracing.SpanCleanup,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrWorkerID, w.ID),
			attribute.String(tracing.AttrWorkerKind, string(w.Kind))))
	defer span.End()

	var released, leaked []string
	var errs []error

	step := func(handle string, fn func(context.Context) error) {
		octx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout+e.opts.KillTimeout)
		defer cancel()
		if err := fn(octx); err != nil {
			leaked = append(leaked, handle)
			errs = append(errs, err)
			log.ErrorErr(log.CatEngine, "cleanup step failed", err,
				"worker", w.ID, "handle", handle)
			return
		}
		released = append(released, handle)
	}

	if res.toolServer != nil {
		step("tool_server", func(c context.Context) error {
			if err := e.drv.Agent.TerminateToolServer(c, res.toolServer); err != nil {
				return err
			}
			w.ToolServerPID = nil
			return nil
		})
	}
	if res.lm != nil {
		step("lm", func(c context.Context) error {
			if err := e.drv.Agent.TerminateLM(c, res.lm); err != nil {
				return err
			}
			w.LMPID = nil
			return nil
		})
	}
	if res.session != "" {
		step("session", func(c context.Context) error {
			if err := e.drv.Term.KillSession(c, res.session, term.KillSpec{GracefulTimeout: e.opts.KillTimeout}); err != nil {
				return err
			}
			w.SessionName = nil
			return nil
		})
	}
	if res.worktree != "" {
		step("worktree", func(c context.Context) error {
			if err := e.drv.Git.RemoveWorktree(c, res.worktree); err != nil {
				return err
			}
			w.WorktreePath = nil
			w.Branch = nil
			return nil
		})
	}

	summary := &store.ToolEvent{
		WorkerID: w.ID,
		ToolName: "cleanup",
		Success:  len(errs) == 0,
		Metadata: cleanupMetadata(initiator, released, leaked),
	}
	var cleanupErr error
	if len(errs) > 0 {
		cleanupErr = swarmerr.WorkflowCleanupFailedErr(w.ID, errors.Join(errs...)).
			WithDetail("leaked", strings.Join(leaked, ","))
		summary.Error = cleanupErr.Error()
	}

	prev := w.Status
	if w.TerminatedAt == nil {
		now := time.Now().UTC()
		w.TerminatedAt = &now
	}
	statusChanged := false
	if !prev.IsTerminal() {
		w.Status = terminal
		statusChanged = true
	}

	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		if prev == store.StatusTerminated {
			// Retrying cleanup on a terminated row: only the handle
			// columns may change.
			if err := tx.Workers().ReleaseHandles(ctx, w); err != nil {
				return err
			}
		} else if err := tx.Workers().Update(ctx, w); err != nil {
			return err
		}
		if err := tx.ToolEvents().Log(ctx, summary); err != nil {
			return err
		}
		if statusChanged {
			return tx.ToolEvents().Log(ctx, &store.ToolEvent{
				WorkerID:         w.ID,
				ToolName:         initiator,
				Success:          true,
				StatusChange:     string(w.Status),
				IsStatusUpdating: true,
			})
		}
		return nil
	})
	if err != nil {
		w.Status = prev
		spanError(span, err)
		return err
	}

	log.Info(log.CatEngine, "worker cleaned up",
		"worker", w.ID, "initiator", initiator, "status", w.Status,
		"released", strings.Join(released, ","), "leaked", strings.Join(leaked, ","))
	if statusChanged {
		e.publish(pubsub.WorkerStatusChange, w, initiator, "")
	}
	errMsg := ""
	if cleanupErr != nil {
		errMsg = cleanupErr.Error()
	}
	e.publish(pubsub.WorkerCleanup, w, initiator, errMsg)
	spanError(span, cleanupErr)
	return cleanupErr
}

func cleanupMetadata(initiator string, released, leaked []string) string {
	b, _ := json.Marshal(map[string]any{
		"initiator": initiator,
		"released":  released,
		"leaked":    leaked,
	})
	return string(b)
}

// failLaunch rolls back a partially launched worker: release what was
// acquired (when configured to), then mark the row failed. Errors here are
// logged, not returned; the launch error is what the caller surfaces.
func (e *Engine) failLaunch(ctx context.Context, w *store.Worker, res resources, phase string, cause error) {
	log.ErrorErr(log.CatEngine, "launch failed", cause,
		"worker", w.ID, "phase", phase)
	ctx = context.WithoutCancel(ctx)

	if e.opts.CleanupOnError {
		if err := e.cleanup(ctx, w, res, "launch", store.StatusFailed); err != nil {
			log.ErrorErr(log.CatEngine, "rollback cleanup failed", err, "worker", w.ID)
		}
	} else {
		// Resources stay up for inspection; only the row is marked.
		e.markFailed(ctx, w, "launch")
	}
	e.publish(pubsub.WorkerFailed, w, "launch", cause.Error())
}

// markFailed transitions a worker to failed without touching its resources.
func (e *Engine) markFailed(ctx context.Context, w *store.Worker, tool string) {
	if w.Status.IsTerminal() {
		return
	}
	if err := e.transition(ctx, w, store.StatusFailed, tool); err != nil {
		log.ErrorErr(log.CatEngine, "failed-state write lost", err, "worker", w.ID)
	}
}

// Terminate force-stops a worker and releases its resources. Terminal
// workers just get their remaining handles released. Active review children
// of a coding worker are terminated afterwards so no orphaned reviewer keeps
// typing into a dead parent.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, tracing.SpanTerminate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrWorkerID, id)))
	defer span.End()

	err := e.terminate(ctx, id)
	spanError(span, err)
	return err
}

func (e *Engine) terminate(ctx context.Context, id string) error {
	unlock := e.lockWorker(id)
	w, err := e.db.Workers().Get(ctx, id)
	if err != nil {
		unlock()
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			return swarmerr.WorkflowInstanceNotFoundErr(id)
		}
		return err
	}
	cleanupErr := e.cleanup(ctx, w, resourcesOf(w), "terminate", store.StatusTerminated)
	unlock()

	if w.Kind == store.KindCoding {
		children, err := e.db.Workers().ActiveReviewChildren(ctx, id)
		if err != nil {
			return errors.Join(cleanupErr, err)
		}
		for _, child := range children {
			if err := e.terminate(ctx, child.ID); err != nil {
				cleanupErr = errors.Join(cleanupErr, err)
			}
		}
	}
	return cleanupErr
}

// Shutdown drains the cleanup protocol for every active worker, bounded by
// ctx. The daemon's signal handler calls this with its drain deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	workers, err := e.db.Workers().List(ctx, store.ListFilter{
		Statuses: activeStatuses(),
	})
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}
	log.Info(log.CatEngine, "draining active workers", "count", len(workers))

	var g errgroup.Group
	g.SetLimit(8)
	for _, w := range workers {
		g.Go(func() error {
			return e.Terminate(ctx, w.ID)
		})
	}
	return g.Wait()
}

func activeStatuses() []store.WorkerStatus {
	return []store.WorkerStatus{
		store.StatusStarted,
		store.StatusWaitingReview,
		store.StatusUnderReview,
		store.StatusFeedbackReceived,
		store.StatusCreatingPR,
	}
}
