package testutil

import (
	"time"

	"github.com/zjrosen/swarmd/internal/store"
)

// defaultWorker returns a fully launched worker: status started with
// worktree, branch, session, and subprocess handles derived from the id.
func defaultWorker(id string, kind store.WorkerKind) *store.Worker {
	worktree := "/tmp/swarm-test/" + id
	branch := "swarm/" + id
	base := "main"
	session := "swarm-" + id
	lmPID := 40001
	tsPID := 40002

	return &store.Worker{
		ID:            id,
		Kind:          kind,
		Status:        store.StatusStarted,
		WorktreePath:  &worktree,
		Branch:        &branch,
		BaseBranch:    &base,
		SessionName:   &session,
		LMPID:         &lmPID,
		ToolServerPID: &tsPID,
	}
}

// WorkerOption configures a worker during builder setup.
type WorkerOption func(*store.Worker)

// Status sets the worker status. If status is "terminated", automatically
// sets terminated_at to now.
func Status(status store.WorkerStatus) WorkerOption {
	return func(w *store.Worker) {
		w.Status = status
		if status == store.StatusTerminated && w.TerminatedAt == nil {
			now := time.Now().UTC()
			w.TerminatedAt = &now
		}
	}
}

// Worktree sets the worktree path handle.
func Worktree(path string) WorkerOption {
	return func(w *store.Worker) { w.WorktreePath = &path }
}

// Branch sets the branch handle.
func Branch(name string) WorkerOption {
	return func(w *store.Worker) { w.Branch = &name }
}

// BaseBranch sets the branch the worker branched from.
func BaseBranch(name string) WorkerOption {
	return func(w *store.Worker) { w.BaseBranch = &name }
}

// Session sets the terminal session handle.
func Session(name string) WorkerOption {
	return func(w *store.Worker) { w.SessionName = &name }
}

// LMPID sets the language-model subprocess pid.
func LMPID(pid int) WorkerOption {
	return func(w *store.Worker) { w.LMPID = &pid }
}

// ToolServerPID sets the tool-server subprocess pid.
func ToolServerPID(pid int) WorkerOption {
	return func(w *store.Worker) { w.ToolServerPID = &pid }
}

// Issue sets the hosting issue number the worker addresses.
func Issue(n int) WorkerOption {
	return func(w *store.Worker) { w.IssueNumber = &n }
}

// SystemPrompt sets the worker's system prompt.
func SystemPrompt(s string) WorkerOption {
	return func(w *store.Worker) { w.SystemPrompt = s }
}

// Parent sets the parent worker id.
func Parent(id string) WorkerOption {
	return func(w *store.Worker) { w.ParentID = &id }
}

// PR sets the pull-request number and URL.
func PR(number int, url string) WorkerOption {
	return func(w *store.Worker) {
		w.PRNumber = &number
		w.PRURL = &url
	}
}

// CreatedAt sets the created_at timestamp.
func CreatedAt(t time.Time) WorkerOption {
	return func(w *store.Worker) { w.CreatedAt = t }
}

// LastActivity sets the last_activity timestamp.
func LastActivity(t time.Time) WorkerOption {
	return func(w *store.Worker) { w.LastActivity = t }
}

// TerminatedAt sets the terminated_at timestamp explicitly.
func TerminatedAt(t time.Time) WorkerOption {
	return func(w *store.Worker) { w.TerminatedAt = &t }
}

// NoHandles clears all four resource handles, mirroring a row mid-launch.
func NoHandles() WorkerOption {
	return func(w *store.Worker) {
		w.WorktreePath = nil
		w.Branch = nil
		w.BaseBranch = nil
		w.SessionName = nil
		w.LMPID = nil
		w.ToolServerPID = nil
	}
}

// EventOption configures a tool event during builder setup.
type EventOption func(*store.ToolEvent)

// Failed marks the event unsuccessful with the given error text.
func Failed(errMsg string) EventOption {
	return func(ev *store.ToolEvent) {
		ev.Success = false
		ev.Error = errMsg
	}
}

// StatusChange marks the event as a status transition record.
func StatusChange(change string) EventOption {
	return func(ev *store.ToolEvent) {
		ev.StatusChange = change
		ev.IsStatusUpdating = true
	}
}

// Metadata sets the event metadata blob.
func Metadata(s string) EventOption {
	return func(ev *store.ToolEvent) { ev.Metadata = s }
}

// CommitHash sets the git commit recorded with the event.
func CommitHash(hash string) EventOption {
	return func(ev *store.ToolEvent) { ev.GitCommitHash = hash }
}
