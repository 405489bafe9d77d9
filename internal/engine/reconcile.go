package engine

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Checked is the number of non-terminal workers examined.
	Checked int
	// Failed lists workers marked failed because their session died.
	Failed []string
	// OrphanSessions lists prefix-matching mux sessions with no active
	// worker behind them; they are killed.
	OrphanSessions []string
	// Released lists terminal workers whose leaked handles were retried.
	Released []string
}

// Reconcile trues up the store against the terminal mux. A non-terminal
// worker whose session has died is marked failed and cleaned; a session
// under this engine's prefix with no active worker behind it is killed;
// terminal rows that still show handles get another cleanup attempt.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanReconcile,
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	report, err := e.reconcile(ctx)
	spanError(span, err)
	if report != nil {
		span.SetAttributes(
			attribute.Int("reconcile.checked", report.Checked),
			attribute.Int("reconcile.failed", len(report.Failed)),
			attribute.Int("reconcile.orphans", len(report.OrphanSessions)))
	}
	return report, err
}

func (e *Engine) reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	active, err := e.db.Workers().List(ctx, store.ListFilter{Statuses: activeStatuses()})
	if err != nil {
		return nil, err
	}
	report.Checked = len(active)

	liveSessions := make(map[string]bool)
	if e.opts.SessionPrefix != "" {
		octx, cancel := e.opCtx(ctx)
		sessions, err := e.drv.Term.ListSessions(octx, e.opts.SessionPrefix+"*")
		cancel()
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			liveSessions[s.Name] = true
		}
	}

	claimed := make(map[string]bool)
	for _, w := range active {
		if w.SessionName == nil || *w.SessionName == "" {
			// Launch finalization never completed; the row should have been
			// failed already, so treat it as dead.
			e.reconcileDead(ctx, w.ID, report)
			continue
		}
		claimed[*w.SessionName] = true
		alive := liveSessions[*w.SessionName]
		if !alive {
			octx, cancel := e.opCtx(ctx)
			alive = e.drv.Term.HasSession(octx, *w.SessionName)
			cancel()
		}
		if !alive {
			e.reconcileDead(ctx, w.ID, report)
		}
	}

	for name := range liveSessions {
		if claimed[name] {
			continue
		}
		report.OrphanSessions = append(report.OrphanSessions, name)
		octx, cancel := e.opCtx(ctx)
		err := e.drv.Term.KillSession(octx, name, term.KillSpec{Force: true})
		cancel()
		if err != nil {
			log.ErrorErr(log.CatEngine, "orphan session kill failed", err, "session", name)
		} else {
			log.Info(log.CatEngine, "orphan session killed", "session", name)
		}
	}

	e.reconcileLeaks(ctx, report)

	log.Info(log.CatEngine, "reconcile pass done",
		"checked", report.Checked,
		"failed", strings.Join(report.Failed, ","),
		"orphans", strings.Join(report.OrphanSessions, ","),
		"released", strings.Join(report.Released, ","))
	return report, nil
}

// reconcileDead fails and cleans one worker whose session vanished.
func (e *Engine) reconcileDead(ctx context.Context, id string, report *ReconcileReport) {
	unlock := e.lockWorker(id)
	defer unlock()

	// Re-read under the lock; a concurrent tool call may have finished it.
	w, err := e.db.Workers().Get(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatEngine, "reconcile read failed", err, "worker", id)
		return
	}
	if w.Status.IsTerminal() {
		return
	}
	log.Warn(log.CatEngine, "worker session died", "worker", w.ID)
	if err := e.cleanup(ctx, w, resourcesOf(w), "reconcile", store.StatusFailed); err != nil {
		log.ErrorErr(log.CatEngine, "reconcile cleanup failed", err, "worker", w.ID)
	}
	report.Failed = append(report.Failed, w.ID)
}

// reconcileLeaks retries handle release for terminal rows that still show
// resources.
func (e *Engine) reconcileLeaks(ctx context.Context, report *ReconcileReport) {
	terminal, err := e.db.Workers().List(ctx, store.ListFilter{
		Statuses: []store.WorkerStatus{
			store.StatusCompleted, store.StatusTerminated, store.StatusFailed,
		},
	})
	if err != nil {
		log.ErrorErr(log.CatEngine, "reconcile terminal list failed", err)
		return
	}
	for _, w := range terminal {
		if w.WorktreePath == nil && w.SessionName == nil && w.LMPID == nil && w.ToolServerPID == nil {
			continue
		}
		unlock := e.lockWorker(w.ID)
		if err := e.cleanup(ctx, w, resourcesOf(w), "reconcile", w.Status); err != nil {
			log.ErrorErr(log.CatEngine, "leak release failed", err, "worker", w.ID)
		} else {
			report.Released = append(report.Released, w.ID)
		}
		unlock()
	}
}
