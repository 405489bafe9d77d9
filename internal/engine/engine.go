// Package engine implements the worker lifecycle protocols: launch, review
// spawning, tool-driven transitions, cleanup, and reconciliation. The engine
// performs no I/O of its own; every external effect flows through the driver
// interfaces in Drivers, and every state change lands in the store with an
// audit event. Mutations for a single worker are serialized with a per-id
// lock; workers never hold references to each other, only ids resolved
// through the store.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/hosting"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/prompts"
	"github.com/zjrosen/swarmd/internal/pubsub"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// IssueFetcher resolves hosting-provider issues for prompt enrichment.
// *hosting.IssueService satisfies it.
type IssueFetcher interface {
	Get(ctx context.Context, owner, repo string, number int) (*store.IssueRecord, error)
}

// Drivers bundles the external capabilities the engine needs. Hosting and
// Issues may be nil when no provider token is configured: pull-request
// creation then fails with hosting-auth and issue enrichment is skipped.
type Drivers struct {
	Git     git.Driver
	Term    term.Driver
	Agent   agent.Driver
	Hosting hosting.Client
	Issues  IssueFetcher
}

// Options tune the engine's limits and timeouts. Zero values pick the
// documented defaults.
type Options struct {
	// RepoPath is the repository all worktrees branch from.
	RepoPath string
	// DefaultBranch is the base branch when a launch does not name one.
	DefaultBranch string
	// SessionPrefix namespaces the terminal sessions this engine owns.
	SessionPrefix string
	// WorktreeMax caps concurrently active workers, bounded to [1, 50].
	WorktreeMax int
	// SettleDelay is the pause between starting the LM CLI and typing the
	// task prompt, so the CLI has drawn its input box before keys arrive.
	SettleDelay time.Duration
	// OpTimeout bounds each short driver call.
	OpTimeout time.Duration
	// LaunchTimeout bounds subprocess launches.
	LaunchTimeout time.Duration
	// KillTimeout bounds graceful shutdown of sessions and subprocesses.
	KillTimeout time.Duration
	// CleanupOnError releases partially acquired resources when a launch
	// fails. When disabled they stay in place for postmortem inspection.
	CleanupOnError bool
	// Tracer records protocol spans. Nil disables tracing.
	Tracer trace.Tracer
}

const (
	defaultWorktreeMax   = 10
	defaultSettleDelay   = 3 * time.Second
	defaultOpTimeout     = 30 * time.Second
	defaultLaunchTimeout = 60 * time.Second
	defaultKillTimeout   = 10 * time.Second
)

func (o *Options) applyDefaults() {
	if o.WorktreeMax <= 0 {
		o.WorktreeMax = defaultWorktreeMax
	}
	if o.WorktreeMax > 50 {
		o.WorktreeMax = 50
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = defaultLaunchTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = defaultKillTimeout
	}
	if o.DefaultBranch == "" {
		o.DefaultBranch = "main"
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("swarmd-engine")
	}
}

// Engine drives the worker lifecycle against the store and the drivers.
type Engine struct {
	db      *store.DB
	drv     Drivers
	prompts *prompts.Library
	opts    Options
	tracer  trace.Tracer
	events  *pubsub.Broker[pubsub.WorkerEvent]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an engine over the store, drivers, and prompt library.
func New(db *store.DB, drv Drivers, lib *prompts.Library, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		db:      db,
		drv:     drv,
		prompts: lib,
		opts:    opts,
		tracer:  opts.Tracer,
		events:  pubsub.NewBroker[pubsub.WorkerEvent](),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Events exposes the lifecycle event stream. The daemon loop and dashboards
// subscribe here.
func (e *Engine) Events() pubsub.Subscriber[pubsub.WorkerEvent] {
	return e.events
}

// Close tears down the event broker. Pending cleanups are the caller's
// responsibility (see Shutdown).
func (e *Engine) Close() {
	e.events.Close()
}

// Worker returns one worker row.
func (e *Engine) Worker(ctx context.Context, id string) (*store.Worker, error) {
	return e.db.Workers().Get(ctx, id)
}

// List returns worker rows matching the filter.
func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]*store.Worker, error) {
	return e.db.Workers().List(ctx, filter)
}

// lockWorker serializes mutations for a single worker id. The returned
// function releases the lock.
func (e *Engine) lockWorker(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// lockPair locks two workers in lexical id order so concurrent pair
// operations cannot deadlock.
func (e *Engine) lockPair(a, b string) func() {
	if a == b {
		return e.lockWorker(a)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	unlockFirst := e.lockWorker(first)
	unlockSecond := e.lockWorker(second)
	return func() {
		unlockSecond()
		unlockFirst()
	}
}

// opCtx bounds one short driver call.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.OpTimeout)
}

// launchCtx bounds one subprocess launch.
func (e *Engine) launchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.LaunchTimeout)
}

// sessionName derives the terminal session for a worker id.
func (e *Engine) sessionName(id string) string {
	return e.opts.SessionPrefix + id
}

// newWorkerID mints a launch id: the kind plus a short random suffix keeps
// ids readable in session lists while staying unique in practice.
func newWorkerID(kind store.WorkerKind) string {
	return fmt.Sprintf("%s-%s", kind, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// newReviewID derives a review child id from its parent. The timestamp makes
// iterations sortable; the random tail disambiguates same-second spawns.
func newReviewID(parentID string) string {
	return fmt.Sprintf("%s-review-%s-%s", parentID,
		time.Now().UTC().Format("20060102150405"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
}

// transition writes a status change and its audit event in one transaction,
// then publishes it. Exactly one is_status_updating ToolEvent exists per
// transition; callers must hold the worker's lock.
func (e *Engine) transition(ctx context.Context, w *store.Worker, to store.WorkerStatus, tool string) error {
	from := w.Status
	w.Status = to
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Workers().Update(ctx, w); err != nil {
			return err
		}
		return tx.ToolEvents().Log(ctx, &store.ToolEvent{
			WorkerID:         w.ID,
			ToolName:         tool,
			Success:          true,
			StatusChange:     string(to),
			IsStatusUpdating: true,
		})
	})
	if err != nil {
		w.Status = from
		return err
	}
	log.Info(log.CatEngine, "worker status change",
		"worker", w.ID, "from", from, "to", to, "tool", tool)
	e.publish(pubsub.WorkerStatusChange, w, tool, "")
	return nil
}

func (e *Engine) publish(t pubsub.WorkerEventType, w *store.Worker, tool, errMsg string) {
	e.events.Publish(pubsub.UpdatedEvent, pubsub.WorkerEvent{
		Type:     t,
		WorkerID: w.ID,
		Kind:     string(w.Kind),
		Status:   string(w.Status),
		ToolName: tool,
		Err:      errMsg,
	})
}

// spanError records err on the span per the shared middleware convention.
func spanError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := swarmerr.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String(tracing.AttrErrorCode, string(code)))
	}
}
