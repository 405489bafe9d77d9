// Package term manages named terminal multiplexer sessions via tmux. Every
// string that reaches the tmux command line travels as its own argv element;
// nothing is ever interpolated through a shell.
package term

import (
	"context"
	"time"
)

// Session describes one live multiplexer session.
type Session struct {
	Name       string
	CreatedAt  time.Time
	WorkingDir string
	Windows    int
	Alive      bool
}

// CreateSpec describes a session to create.
type CreateSpec struct {
	Name string
	// Dir must be absolute and free of ".." segments.
	Dir string
	// Env entries are injected into the session environment. Keys must match
	// [A-Za-z_][A-Za-z0-9_]*.
	Env map[string]string
	// InitialCommand, when set, is typed into the fresh session followed by
	// Enter.
	InitialCommand string
}

// KillSpec controls session shutdown.
type KillSpec struct {
	// GracefulTimeout bounds the wait after the shell-exit keystroke before
	// force-killing. Zero skips the graceful phase.
	GracefulTimeout time.Duration
	// Force skips the graceful phase entirely.
	Force bool
}

// Driver is the terminal-mux surface the engine depends on. Implementations
// must be safe for concurrent use; SendKeys calls for the same session are
// delivered in submit order.
type Driver interface {
	// Available reports whether the multiplexer binary resolves on PATH.
	Available() error

	// CreateSession starts a detached session. Fails with term-invalid-name,
	// term-invalid-directory, or term-session-exists.
	CreateSession(ctx context.Context, spec CreateSpec) error

	// KillSession tears a session down: shell-exit keystroke, poll for
	// absence up to the graceful timeout, then force kill. A session that is
	// already gone is not an error.
	KillSession(ctx context.Context, name string, spec KillSpec) error

	// SendKeys types text into the session's active pane. Newlines in text
	// become separate Enter keystrokes; pressEnter appends a final Enter.
	SendKeys(ctx context.Context, name, text string, pressEnter bool) error

	// HasSession reports whether a session with the given name exists.
	HasSession(ctx context.Context, name string) bool

	// ListSessions returns sessions whose names match the glob pattern; an
	// empty pattern matches all. No running server means no sessions.
	ListSessions(ctx context.Context, glob string) ([]Session, error)

	// SessionInfo returns metadata for one session or term-session-not-found.
	SessionInfo(ctx context.Context, name string) (*Session, error)

	// DisplayMessage expands a tmux format string against the session's
	// active pane, e.g. "#{pane_pid}".
	DisplayMessage(ctx context.Context, name, format string) (string, error)

	// Attach connects the current terminal to the session. Fails with
	// term-no-tty when stdin is not a terminal.
	Attach(ctx context.Context, name string) error
}
