package swarmerr

import "fmt"

// Store constructors.

func StoreConnectionErr(message string) *SwarmError {
	return New(CompStore, StoreConnection, message)
}

func StoreConflictErr(message string) *SwarmError {
	return New(CompStore, StoreConflict, message).
		WithSuggestion("retry the operation; another process holds the write lock")
}

func StoreNotFoundErr(kind, id string) *SwarmError {
	return New(CompStore, StoreNotFound, fmt.Sprintf("%s %q not found", kind, id)).
		WithDetail("id", id)
}

// Git constructors.

func GitRepoInvalidErr(path, reason string) *SwarmError {
	return New(CompGit, GitRepoInvalid, fmt.Sprintf("not a usable git repository: %s", reason)).
		WithDetail("path", path)
}

func GitBranchExistsErr(branch string) *SwarmError {
	return New(CompGit, GitBranchExists, fmt.Sprintf("branch %q already exists", branch)).
		WithDetail("branch", branch).
		WithSuggestion("pass overwrite or choose another branch name")
}

func GitWorkingTreeDirtyErr(path string) *SwarmError {
	return New(CompGit, GitWorkingTreeDirty, "working tree has uncommitted changes").
		WithDetail("path", path)
}

func GitCommandFailedErr(args []string, stderr string) *SwarmError {
	return New(CompGit, GitCommandFailed, fmt.Sprintf("git %v failed: %s", args, stderr)).
		WithDetail("args", args).
		WithDetail("stderr", stderr)
}

func GitInvalidRemoteErr(url string) *SwarmError {
	return New(CompGit, GitInvalidRemote, fmt.Sprintf("remote URL %q is not recognized", url)).
		WithDetail("url", url)
}

func GitInvalidBranchNameErr(branch, reason string) *SwarmError {
	return New(CompGit, GitInvalidBranchName, fmt.Sprintf("invalid branch name %q: %s", branch, reason)).
		WithDetail("branch", branch)
}

// Terminal constructors.

func TermNotAvailableErr(reason string) *SwarmError {
	return New(CompTerm, TermNotAvailable, reason).
		WithSuggestion("install tmux and ensure it is on PATH")
}

func TermInvalidNameErr(name, reason string) *SwarmError {
	return New(CompTerm, TermInvalidName, fmt.Sprintf("invalid session name %q: %s", name, reason)).
		WithDetail("name", name)
}

func TermInvalidDirectoryErr(dir, reason string) *SwarmError {
	return New(CompTerm, TermInvalidDirectory, fmt.Sprintf("invalid working directory %q: %s", dir, reason)).
		WithDetail("dir", dir)
}

func TermSessionExistsErr(name string) *SwarmError {
	return New(CompTerm, TermSessionExists, fmt.Sprintf("session %q already exists", name)).
		WithDetail("name", name)
}

func TermSessionNotFoundErr(name string) *SwarmError {
	return New(CompTerm, TermSessionNotFound, fmt.Sprintf("session %q not found", name)).
		WithDetail("name", name)
}

func TermNoTTYErr() *SwarmError {
	return New(CompTerm, TermNoTTY, "attach requires an interactive terminal")
}

// Language-model constructors.

func LMNotFoundErr(binary string) *SwarmError {
	return New(CompAgent, LMNotFound, fmt.Sprintf("LM CLI %q not found on PATH", binary)).
		WithDetail("binary", binary).
		WithSuggestion("install the CLI or set LM_CLI to its location")
}

func LMLaunchFailedErr(reason string) *SwarmError {
	return New(CompAgent, LMLaunchFailed, fmt.Sprintf("LM launch failed: %s", reason))
}

func LMSessionNotFoundErr(session string) *SwarmError {
	return New(CompAgent, LMSessionNotFound, fmt.Sprintf("no LM process in session %q", session)).
		WithDetail("session", session)
}

func LMTimeoutErr(phase string) *SwarmError {
	return New(CompAgent, LMTimeout, fmt.Sprintf("LM did not respond during %s", phase)).
		WithDetail("phase", phase)
}

// Hosting constructors.

func HostingAuthErr(reason string) *SwarmError {
	return New(CompHosting, HostingAuth, reason).
		WithSuggestion("set HOSTING_TOKEN to a token with repo scope")
}

func HostingRequestFailedErr(op string, cause error) *SwarmError {
	return New(CompHosting, HostingRequestFailed, fmt.Sprintf("%s request failed", op)).
		WithCause(cause)
}

func HostingTimeoutErr(op string) *SwarmError {
	return New(CompHosting, HostingTimeout, fmt.Sprintf("%s timed out", op))
}

// Workflow constructors.

func WorkflowParentNotFoundErr(id string) *SwarmError {
	return New(CompWorkflow, WorkflowParentNotFound, fmt.Sprintf("parent worker %q not found", id)).
		WithDetail("parent_id", id)
}

func WorkflowParentInvalidStateErr(id, status string) *SwarmError {
	return New(CompWorkflow, WorkflowParentInvalidState,
		fmt.Sprintf("parent worker %q is %s; expected a coding worker awaiting review", id, status)).
		WithDetail("parent_id", id).
		WithDetail("status", status)
}

func WorkflowInstanceNotFoundErr(id string) *SwarmError {
	return New(CompWorkflow, WorkflowInstanceNotFound, fmt.Sprintf("worker %q not found", id)).
		WithDetail("worker_id", id)
}

func WorkflowCleanupFailedErr(id string, cause error) *SwarmError {
	return New(CompWorkflow, WorkflowCleanupFailed, fmt.Sprintf("cleanup for worker %q finished with failures", id)).
		WithDetail("worker_id", id).
		WithCause(cause)
}

func WorkflowPRCreationFailedErr(id string, cause error) *SwarmError {
	return New(CompWorkflow, WorkflowPRCreationFailed, fmt.Sprintf("pull request creation for worker %q failed", id)).
		WithDetail("worker_id", id).
		WithCause(cause)
}

func WorkflowLaunchFailedErr(id, phase string, cause error) *SwarmError {
	return New(CompWorkflow, WorkflowLaunchFailed, fmt.Sprintf("launch of worker %q failed during %s", id, phase)).
		WithDetail("worker_id", id).
		WithDetail("phase", phase).
		WithCause(cause)
}

func WorkflowCapacityErr(max int) *SwarmError {
	return New(CompWorkflow, WorkflowCapacity, fmt.Sprintf("worktree capacity %d reached", max)).
		WithDetail("max", max).
		WithSuggestion("clean up finished workers or raise WORKTREE_MAX")
}

func WorkflowUnknownCallerErr(id string) *SwarmError {
	return New(CompWorkflow, WorkflowUnknownCaller, fmt.Sprintf("caller %q is not a registered worker", id)).
		WithDetail("worker_id", id)
}

func WorkflowToolForbiddenErr(id, kind, tool string) *SwarmError {
	return New(CompWorkflow, WorkflowToolForbidden, fmt.Sprintf("tool %q is not available to %s workers", tool, kind)).
		WithDetail("worker_id", id).
		WithDetail("tool", tool)
}

func WorkflowInvalidArgumentsErr(tool, reason string) *SwarmError {
	return New(CompWorkflow, WorkflowInvalidArguments, fmt.Sprintf("invalid arguments for %q: %s", tool, reason)).
		WithDetail("tool", tool)
}

func WorkflowRelationshipExistsErr(parent, child string) *SwarmError {
	return New(CompWorkflow, WorkflowRelationshipExists,
		fmt.Sprintf("relationship between %q and %q already recorded", parent, child)).
		WithDetail("parent_id", parent).
		WithDetail("child_id", child)
}

func WorkflowTerminalStateErr(id, status string) *SwarmError {
	return New(CompWorkflow, WorkflowTerminalState, fmt.Sprintf("worker %q is %s and cannot change state", id, status)).
		WithDetail("worker_id", id).
		WithDetail("status", status)
}
