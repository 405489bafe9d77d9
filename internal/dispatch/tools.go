package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/swarmd/internal/dispatch/mcp"
	"github.com/zjrosen/swarmd/internal/engine"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// toolRunner executes one permitted, schema-checked tool call.
type toolRunner func(ctx context.Context, d *Dispatcher, callerID string, args json.RawMessage) (*mcp.ToolCallResult, error)

type toolDef struct {
	spec mcp.Tool
	run  toolRunner
}

// toolTables fixes at compile time which tools each worker kind may call.
var toolTables = map[store.WorkerKind][]toolDef{
	store.KindCoding:   {requestReviewTool, createPullRequestTool},
	store.KindReview:   {requestChangesTool, createPullRequestTool},
	store.KindPlanning: {createTaskTool, analyzeRepositoryTool},
}

func lookup(kind store.WorkerKind, name string) (toolDef, bool) {
	for _, def := range toolTables[kind] {
		if def.spec.Name == name {
			return def, true
		}
	}
	return toolDef{}, false
}

// Tools lists the MCP tool specs available to a worker kind.
func Tools(kind store.WorkerKind) []mcp.Tool {
	defs := toolTables[kind]
	tools := make([]mcp.Tool, len(defs))
	for i, def := range defs {
		tools[i] = def.spec
	}
	return tools
}

// NewServer builds the MCP server for one worker: the kind's tool table
// registered over the dispatcher, handshake instructions matching the kind.
func NewServer(d *Dispatcher, kind store.WorkerKind, workerID, version string) (*mcp.Server, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
	srv := mcp.NewServer("swarmd-"+string(kind), version,
		mcp.WithInstructions(serverInstructions[kind]))
	for _, def := range toolTables[kind] {
		name := def.spec.Name
		srv.RegisterTool(def.spec, func(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
			return d.Dispatch(ctx, workerID, name, args), nil
		})
	}
	return srv, nil
}

var serverInstructions = map[store.WorkerKind]string{
	store.KindCoding: "Work on the task in your worktree and commit as you go. " +
		"When your changes are ready, call request_review for a second pair of eyes, " +
		"or create_pull_request to ship directly.",
	store.KindReview: "Review the author's branch checked out in your worktree. " +
		"Call request_changes with concrete feedback to send the work back, " +
		"or create_pull_request to approve and ship the author's branch.",
	store.KindPlanning: "Study the repository and produce a plan. " +
		"Use analyze_repository to inspect state, then file the resulting work with create_task.",
}

// decodeArgs unmarshals raw arguments into a pointer-field struct so missing
// keys stay distinguishable from zero values. Malformed JSON and type
// mismatches both reject as invalid-arguments.
func decodeArgs(tool string, raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return swarmerr.WorkflowInvalidArgumentsErr(tool, err.Error())
	}
	return nil
}

func required[T any](tool, field string, v *T) (T, error) {
	if v == nil {
		var zero T
		return zero, swarmerr.WorkflowInvalidArgumentsErr(tool,
			fmt.Sprintf("missing required field %q", field))
	}
	return *v, nil
}

var requestReviewTool = toolDef{
	spec: mcp.Tool{
		Name: "request_review",
		Description: "Request a review of your committed work. Spawns a review agent that " +
			"inspects your branch and either sends feedback into your terminal session " +
			"or opens a pull request on your behalf.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"description": {
					Type:        "string",
					Description: "What you changed and what the reviewer should focus on.",
				},
			},
			Required: []string{"description"},
		},
	},
	run: func(ctx context.Context, d *Dispatcher, callerID string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
		var args struct {
			Description *string `json:"description"`
		}
		if err := decodeArgs("request_review", raw, &args); err != nil {
			return nil, err
		}
		description, err := required("request_review", "description", args.Description)
		if err != nil {
			return nil, err
		}
		child, err := d.eng.RequestReview(ctx, callerID, description)
		if err != nil {
			return nil, err
		}
		return mcp.SuccessResult(fmt.Sprintf(
			"Review requested. Reviewer %s is inspecting your branch; "+
				"feedback will arrive in your terminal session, so keep it open.", child.ID)), nil
	},
}

var requestChangesTool = toolDef{
	spec: mcp.Tool{
		Name: "request_changes",
		Description: "Send change requests back to the author and end this review. " +
			"The feedback is typed into the author's terminal session and the author resumes work.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"feedback": {
					Type:        "string",
					Description: "The full review: what must change and why.",
				},
			},
			Required: []string{"feedback"},
		},
	},
	run: func(ctx context.Context, d *Dispatcher, callerID string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
		var args struct {
			Feedback *string `json:"feedback"`
		}
		if err := decodeArgs("request_changes", raw, &args); err != nil {
			return nil, err
		}
		feedback, err := required("request_changes", "feedback", args.Feedback)
		if err != nil {
			return nil, err
		}
		if err := d.eng.RequestChanges(ctx, callerID, feedback); err != nil {
			return nil, err
		}
		return mcp.SuccessResult("Feedback delivered to the author. " +
			"This review session is finished and will be cleaned up."), nil
	},
}

var createPullRequestTool = toolDef{
	spec: mcp.Tool{
		Name: "create_pull_request",
		Description: "Open a pull request for the work branch on the hosting site. " +
			"From a review session this ships the author's branch and completes both agents.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"title": {Type: "string", Description: "Pull request title."},
				"body":  {Type: "string", Description: "Pull request description in markdown."},
				"draft": {Type: "boolean", Description: "Open as a draft. Defaults to false."},
			},
			Required: []string{"title", "body"},
		},
		OutputSchema: &mcp.OutputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"number":    {Type: "integer", Description: "Pull request number."},
				"url":       {Type: "string", Description: "Pull request URL."},
				"worker_id": {Type: "string", Description: "Worker whose branch was shipped."},
			},
			Required: []string{"number", "url", "worker_id"},
		},
	},
	run: func(ctx context.Context, d *Dispatcher, callerID string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
		var args struct {
			Title *string `json:"title"`
			Body  *string `json:"body"`
			Draft *bool   `json:"draft"`
		}
		if err := decodeArgs("create_pull_request", raw, &args); err != nil {
			return nil, err
		}
		title, err := required("create_pull_request", "title", args.Title)
		if err != nil {
			return nil, err
		}
		body, err := required("create_pull_request", "body", args.Body)
		if err != nil {
			return nil, err
		}
		pr := engine.PullRequestArgs{Title: title, Body: body}
		if args.Draft != nil {
			pr.Draft = *args.Draft
		}
		res, err := d.eng.CreatePullRequest(ctx, callerID, pr)
		if err != nil {
			return nil, err
		}
		return mcp.StructuredResult(
			fmt.Sprintf("Pull request #%d created: %s", res.Number, res.URL), res), nil
	},
}

var createTaskTool = toolDef{
	spec: mcp.Tool{
		Name: "create_task",
		Description: "File the task your plan produced. Filing a task completes this " +
			"planning session.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"title":           {Type: "string", Description: "Short task title."},
				"description":     {Type: "string", Description: "Full task description with acceptance criteria."},
				"priority":        {Type: "string", Description: "One of low, medium, high."},
				"estimated_hours": {Type: "number", Description: "Optional effort estimate in hours."},
			},
			Required: []string{"title", "description", "priority"},
		},
	},
	run: func(ctx context.Context, d *Dispatcher, callerID string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
		var args struct {
			Title          *string  `json:"title"`
			Description    *string  `json:"description"`
			Priority       *string  `json:"priority"`
			EstimatedHours *float64 `json:"estimated_hours"`
		}
		if err := decodeArgs("create_task", raw, &args); err != nil {
			return nil, err
		}
		title, err := required("create_task", "title", args.Title)
		if err != nil {
			return nil, err
		}
		description, err := required("create_task", "description", args.Description)
		if err != nil {
			return nil, err
		}
		priority, err := required("create_task", "priority", args.Priority)
		if err != nil {
			return nil, err
		}
		rec, err := d.eng.CreateTask(ctx, callerID, engine.TaskSpec{
			Title:          title,
			Description:    description,
			Priority:       priority,
			EstimatedHours: args.EstimatedHours,
		})
		if err != nil {
			return nil, err
		}
		return mcp.SuccessResult(fmt.Sprintf("Task #%d filed: %s", rec.Number, rec.Title)), nil
	},
}

var analyzeRepositoryTool = toolDef{
	spec: mcp.Tool{
		Name: "analyze_repository",
		Description: "Inspect the repository you are planning against. Read-only: " +
			"reports branch state and change counts relative to the base branch.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"scope": {Type: "string", Description: "diff for branch changes only, full to include repository state."},
				"depth": {Type: "string", Description: "summary for counts, detailed to include per-file changes."},
			},
			Required: []string{"scope", "depth"},
		},
		OutputSchema: &mcp.OutputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"repo_path":       {Type: "string"},
				"branch":          {Type: "string"},
				"head_commit":     {Type: "string"},
				"base_branch":     {Type: "string"},
				"scope":           {Type: "string"},
				"depth":           {Type: "string"},
				"clean":           {Type: "boolean"},
				"remote_owner":    {Type: "string"},
				"remote_name":     {Type: "string"},
				"files_changed":   {Type: "integer"},
				"total_additions": {Type: "integer"},
				"total_deletions": {Type: "integer"},
				"files": {
					Type: "array",
					Items: &mcp.PropertySchema{
						Type: "object",
						Properties: map[string]*mcp.PropertySchema{
							"path":      {Type: "string"},
							"additions": {Type: "integer"},
							"deletions": {Type: "integer"},
							"status":    {Type: "string"},
						},
						Required: []string{"path", "additions", "deletions", "status"},
					},
				},
			},
			Required: []string{"repo_path", "branch", "base_branch", "scope", "depth",
				"files_changed", "total_additions", "total_deletions"},
		},
	},
	run: func(ctx context.Context, d *Dispatcher, callerID string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
		var args struct {
			Scope *string `json:"scope"`
			Depth *string `json:"depth"`
		}
		if err := decodeArgs("analyze_repository", raw, &args); err != nil {
			return nil, err
		}
		scope, err := required("analyze_repository", "scope", args.Scope)
		if err != nil {
			return nil, err
		}
		depth, err := required("analyze_repository", "depth", args.Depth)
		if err != nil {
			return nil, err
		}
		analysis, err := d.eng.AnalyzeRepository(ctx, callerID, scope, depth)
		if err != nil {
			return nil, err
		}
		text, err := json.MarshalIndent(analysis, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.StructuredResult(string(text), analysis), nil
	},
}
