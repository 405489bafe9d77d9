// Package dispatch validates and executes the tool calls a worker's LM makes
// against its tool server. The per-kind tool tables are fixed at compile
// time; every invocation attempt is audited as a ToolEvent, and every
// failure — validation or execution — comes back as a structured isError
// result, never a protocol error.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/swarmd/internal/dispatch/mcp"
	"github.com/zjrosen/swarmd/internal/engine"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// Engine is the workflow surface tools execute against. *engine.Engine
// satisfies it.
type Engine interface {
	RequestReview(ctx context.Context, parentID, description string) (*store.Worker, error)
	RequestChanges(ctx context.Context, reviewerID, feedback string) error
	CreatePullRequest(ctx context.Context, callerID string, args engine.PullRequestArgs) (*engine.PullRequestResult, error)
	CreateTask(ctx context.Context, callerID string, spec engine.TaskSpec) (*store.IssueRecord, error)
	AnalyzeRepository(ctx context.Context, callerID, scope, depth string) (*engine.RepoAnalysis, error)
}

// Dispatcher routes tool calls for the workers of one store.
type Dispatcher struct {
	db     *store.DB
	eng    Engine
	tracer trace.Tracer
}

// New wires a dispatcher. A nil tracer disables tracing.
func New(db *store.DB, eng Engine, tracer trace.Tracer) *Dispatcher {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("swarmd-dispatch")
	}
	return &Dispatcher{db: db, eng: eng, tracer: tracer}
}

// Dispatch runs one tool call for a worker: caller validation, kind
// permission, argument decoding, engine execution, audit. The result is
// always a tool result; errors are folded into it with isError set so the LM
// can read and react to them.
func (d *Dispatcher) Dispatch(ctx context.Context, callerID, tool string, args json.RawMessage) *mcp.ToolCallResult {
	ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixTool+tool,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(tracing.AttrToolCallerID, callerID),
			attribute.String(tracing.AttrToolName, tool)))
	defer span.End()

	res, err := d.run(ctx, callerID, tool, args)
	span.SetAttributes(attribute.Bool(tracing.AttrToolSuccess, err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := swarmerr.CodeOf(err); code != "" {
			span.SetAttributes(attribute.String(tracing.AttrErrorCode, string(code)))
		}
		log.Warn(log.CatTools, "tool call failed",
			"caller", callerID, "tool", tool, "error", err.Error())
		return mcp.ErrorResult(errorText(err))
	}
	span.SetStatus(codes.Ok, "")
	return res
}

func (d *Dispatcher) run(ctx context.Context, callerID, tool string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	caller, err := d.db.Workers().Get(ctx, callerID)
	if err != nil {
		if swarmerr.IsCode(err, swarmerr.StoreNotFound) {
			// No worker row, no audit: tool_events rows must reference one.
			return nil, swarmerr.WorkflowUnknownCallerErr(callerID)
		}
		return nil, err
	}

	var res *mcp.ToolCallResult
	def, known := lookup(caller.Kind, tool)
	switch {
	case caller.Status.IsTerminal():
		err = swarmerr.New(swarmerr.CompWorkflow, swarmerr.WorkflowUnknownCaller,
			fmt.Sprintf("worker %q is %s; its tools are no longer available", caller.ID, caller.Status)).
			WithDetail("worker_id", caller.ID).
			WithDetail("status", string(caller.Status))
	case !known:
		err = swarmerr.WorkflowToolForbiddenErr(caller.ID, string(caller.Kind), tool)
	default:
		res, err = def.run(ctx, d, callerID, args)
	}

	d.audit(ctx, callerID, tool, args, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// audit appends the invocation-attempt row. Losing it is logged, not fatal:
// the tool has already run and its effects cannot be unwound here.
func (d *Dispatcher) audit(ctx context.Context, callerID, tool string, args json.RawMessage, callErr error) {
	ev := &store.ToolEvent{
		WorkerID: callerID,
		ToolName: tool,
		Success:  callErr == nil,
		Metadata: compactArgs(args),
	}
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	if err := d.db.ToolEvents().Log(ctx, ev); err != nil {
		log.ErrorErr(log.CatTools, "tool audit event lost", err,
			"caller", callerID, "tool", tool)
	}
}

// compactArgs normalizes the raw arguments for the audit row. Absent or
// unparseable arguments audit as an empty object; the decode error itself is
// captured on the event's Error column.
func compactArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		return "{}"
	}
	return buf.String()
}

// errorText renders an error for the LM: the structured message plus the
// operator suggestion when one exists.
func errorText(err error) string {
	var se *swarmerr.SwarmError
	if errors.As(err, &se) && se.Suggestion != "" {
		return se.Error() + "\nSuggestion: " + se.Suggestion
	}
	return err.Error()
}
