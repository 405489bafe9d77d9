package tracing

// Span attribute keys shared by the engine and dispatcher.
const (
	AttrWorkerID     = "worker.id"
	AttrWorkerKind   = "worker.kind"
	AttrWorkerStatus = "worker.status"
	AttrParentID     = "worker.parent_id"
	AttrBranch       = "git.branch"
	AttrBaseBranch   = "git.base_branch"
	AttrSessionName  = "term.session"
	AttrIssueNumber  = "issue.number"
	AttrIteration    = "review.iteration"
	AttrPRNumber     = "pr.number"

	AttrToolName     = "tool.name"
	AttrToolCallerID = "tool.caller.id"
	AttrToolSuccess  = "tool.success"

	AttrErrorCode    = "error.code"
	AttrErrorMessage = "error.message"
)

// Span names for the engine protocols.
const (
	SpanLaunch      = "swarm.launch"
	SpanReviewSpawn = "swarm.review.spawn"
	SpanCleanup     = "swarm.cleanup"
	SpanTerminate   = "swarm.terminate"
	SpanReconcile   = "swarm.reconcile"
	SpanCreatePR    = "swarm.create_pr"

	SpanPrefixTool = "tool.dispatch."
)
