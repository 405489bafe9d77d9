// Package agent launches and terminates the per-worker subprocesses: the
// kind-specific tool server and the LM CLI running inside the worker's
// terminal session.
package agent

import (
	"context"
	"os"

	"github.com/zjrosen/swarmd/internal/store"
)

// ToolServerSpec describes a tool-server subprocess to launch.
type ToolServerSpec struct {
	WorkerID  string
	Kind      store.WorkerKind
	Workspace string
	Branch    string
	Session   string
	// Issue is forwarded as --issue when set.
	Issue *int
	// ParentID and ParentSession are required for review workers.
	ParentID      string
	ParentSession string
}

// ToolServerHandle tracks a running tool-server subprocess.
type ToolServerHandle struct {
	PID int
	// Endpoint is the HTTP address the server reported on startup.
	Endpoint string

	proc *os.Process
	done chan error
}

// Done fires once when the subprocess exits. Handles recovered by PID alone
// return nil; callers fall back to polling.
func (h *ToolServerHandle) Done() <-chan error {
	if h == nil {
		return nil
	}
	return h.done
}

// HandleForPID wraps an orphaned tool server found during reconciliation.
func HandleForPID(pid int) *ToolServerHandle {
	proc, err := os.FindProcess(pid)
	if err != nil {
		proc = nil
	}
	return &ToolServerHandle{PID: pid, proc: proc}
}

// LMSpec describes an LM CLI launch into an existing terminal session.
type LMSpec struct {
	Workspace string
	Session   string
	// Env is injected as KEY=VALUE prefixes on the CLI invocation. Keys must
	// match [A-Za-z_][A-Za-z0-9_]*; values follow the safe-string rule.
	Env map[string]string
}

// LMHandle tracks the LM subprocess via its pane's root PID.
type LMHandle struct {
	PID     int
	Session string
}

// Driver is the subprocess surface the engine depends on.
type Driver interface {
	// LMAvailable reports whether the configured LM CLI resolves on PATH.
	LMAvailable() error

	// StartToolServer spawns the kind-specific tool-server binary and waits
	// for it to report its listening endpoint.
	StartToolServer(ctx context.Context, spec ToolServerSpec) (*ToolServerHandle, error)

	// StartLM types the LM CLI invocation into the worker's terminal session
	// and records the pane PID.
	StartLM(ctx context.Context, spec LMSpec) (*LMHandle, error)

	// TerminateToolServer signals the subprocess and awaits exit up to the
	// configured kill timeout before hard-killing. A process that is already
	// gone is not an error.
	TerminateToolServer(ctx context.Context, handle *ToolServerHandle) error

	// TerminateLM signals the pane process the same way.
	TerminateLM(ctx context.Context, handle *LMHandle) error
}
