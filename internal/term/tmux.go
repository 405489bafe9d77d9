package term

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// sessionFormat drives list-sessions and session-info parsing.
const sessionFormat = "#{session_name}:#{session_created}:#{session_windows}:#{session_id}"

// killPollInterval is how often KillSession re-checks for session absence
// during the graceful phase.
const killPollInterval = 100 * time.Millisecond

// Compile-time check that TmuxDriver implements Driver.
var _ Driver = (*TmuxDriver)(nil)

// TmuxDriver drives a local tmux server. A per-session mutex keeps SendKeys
// calls for one session in submit order.
type TmuxDriver struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTmuxDriver creates a TmuxDriver.
func NewTmuxDriver() *TmuxDriver {
	return &TmuxDriver{locks: make(map[string]*sync.Mutex)}
}

// sessionLock returns the mutex guarding one session's keystroke stream.
func (d *TmuxDriver) sessionLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// run executes tmux with args and returns trimmed stdout.
func (d *TmuxDriver) run(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args are validated argv elements, never shell text
	cmd := exec.CommandContext(ctx, "tmux", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available reports whether tmux resolves on PATH.
func (d *TmuxDriver) Available() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return swarmerr.TermNotAvailableErr("tmux not found on PATH").WithCause(err)
	}
	return nil
}

// CreateSession starts a detached session.
func (d *TmuxDriver) CreateSession(ctx context.Context, spec CreateSpec) error {
	if err := ValidateSessionName(spec.Name); err != nil {
		return err
	}
	if err := ValidateDir(spec.Dir); err != nil {
		return err
	}
	if err := ValidateEnv(spec.Env); err != nil {
		return err
	}
	if d.HasSession(ctx, spec.Name) {
		return swarmerr.TermSessionExistsErr(spec.Name)
	}

	lock := d.sessionLock(spec.Name)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"new-session", "-d", "-s", spec.Name, "-c", spec.Dir}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	if _, err := d.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "duplicate session") {
			return swarmerr.TermSessionExistsErr(spec.Name).WithCause(err)
		}
		return swarmerr.TermNotAvailableErr(err.Error()).WithCause(err)
	}

	log.Debug(log.CatTerm, "session created", "name", spec.Name, "dir", spec.Dir)

	if spec.InitialCommand != "" {
		return d.sendKeysLocked(ctx, spec.Name, spec.InitialCommand, true)
	}
	return nil
}

// KillSession tears a session down, gracefully when the spec allows.
func (d *TmuxDriver) KillSession(ctx context.Context, name string, spec KillSpec) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	lock := d.sessionLock(name)
	lock.Lock()
	defer lock.Unlock()

	if !d.HasSession(ctx, name) {
		return nil
	}

	if !spec.Force && spec.GracefulTimeout > 0 {
		// C-d asks the shell to exit on its own.
		if _, err := d.run(ctx, "send-keys", "-t", "="+name, "C-d"); err == nil {
			deadline := time.Now().Add(spec.GracefulTimeout)
			for time.Now().Before(deadline) {
				if !d.HasSession(ctx, name) {
					log.Debug(log.CatTerm, "session exited gracefully", "name", name)
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(killPollInterval):
				}
			}
		}
	}

	if _, err := d.run(ctx, "kill-session", "-t", "="+name); err != nil {
		if !d.HasSession(ctx, name) {
			return nil
		}
		return err
	}
	log.Debug(log.CatTerm, "session killed", "name", name)
	return nil
}

// SendKeys types text into the session's active pane. Each newline becomes
// its own Enter keystroke.
func (d *TmuxDriver) SendKeys(ctx context.Context, name, text string, pressEnter bool) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	lock := d.sessionLock(name)
	lock.Lock()
	defer lock.Unlock()

	return d.sendKeysLocked(ctx, name, text, pressEnter)
}

func (d *TmuxDriver) sendKeysLocked(ctx context.Context, name, text string, pressEnter bool) error {
	if !d.HasSession(ctx, name) {
		return swarmerr.TermSessionNotFoundErr(name)
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			// -l sends the text literally; tmux key names are not expanded.
			if _, err := d.run(ctx, "send-keys", "-t", "="+name, "-l", "--", line); err != nil {
				return swarmerr.TermSessionNotFoundErr(name).WithCause(err)
			}
		}
		if i < len(lines)-1 {
			if _, err := d.run(ctx, "send-keys", "-t", "="+name, "Enter"); err != nil {
				return swarmerr.TermSessionNotFoundErr(name).WithCause(err)
			}
		}
	}

	if pressEnter {
		if _, err := d.run(ctx, "send-keys", "-t", "="+name, "Enter"); err != nil {
			return swarmerr.TermSessionNotFoundErr(name).WithCause(err)
		}
	}
	return nil
}

// HasSession reports whether a session with exactly this name exists.
func (d *TmuxDriver) HasSession(ctx context.Context, name string) bool {
	// "=" pins an exact match; bare names are prefix-matched by tmux.
	_, err := d.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// ListSessions returns sessions matching the glob pattern.
func (d *TmuxDriver) ListSessions(ctx context.Context, glob string) ([]Session, error) {
	out, err := d.run(ctx, "list-sessions", "-F", sessionFormat)
	if err != nil {
		// No server means no sessions.
		if strings.Contains(err.Error(), "no server running") ||
			strings.Contains(err.Error(), "No such file or directory") {
			return nil, nil
		}
		return nil, swarmerr.TermNotAvailableErr(err.Error()).WithCause(err)
	}

	var sessions []Session
	for line := range strings.SplitSeq(out, "\n") {
		if line == "" {
			continue
		}
		s, ok := parseSessionLine(line)
		if !ok {
			continue
		}
		if glob != "" {
			if matched, _ := path.Match(glob, s.Name); !matched {
				continue
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SessionInfo returns metadata for one session.
func (d *TmuxDriver) SessionInfo(ctx context.Context, name string) (*Session, error) {
	if err := ValidateSessionName(name); err != nil {
		return nil, err
	}
	if !d.HasSession(ctx, name) {
		return nil, swarmerr.TermSessionNotFoundErr(name)
	}

	out, err := d.run(ctx, "display-message", "-p", "-t", "="+name, sessionFormat)
	if err != nil {
		return nil, swarmerr.TermSessionNotFoundErr(name).WithCause(err)
	}
	s, ok := parseSessionLine(out)
	if !ok {
		return nil, swarmerr.TermSessionNotFoundErr(name)
	}

	// The working directory lives on the pane, not the session line.
	if dir, err := d.run(ctx, "display-message", "-p", "-t", "="+name, "#{pane_current_path}"); err == nil {
		s.WorkingDir = dir
	}
	return &s, nil
}

// DisplayMessage expands a tmux format string against the session's active pane.
func (d *TmuxDriver) DisplayMessage(ctx context.Context, name, format string) (string, error) {
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}
	out, err := d.run(ctx, "display-message", "-p", "-t", "="+name, format)
	if err != nil {
		return "", swarmerr.TermSessionNotFoundErr(name).WithCause(err)
	}
	return out, nil
}

// Attach connects the current terminal to the session.
func (d *TmuxDriver) Attach(ctx context.Context, name string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if !d.HasSession(ctx, name) {
		return swarmerr.TermSessionNotFoundErr(name)
	}

	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return swarmerr.TermNoTTYErr()
	}

	//nolint:gosec // G204: name is validated above
	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", "="+name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// parseSessionLine parses "name:created:windows:id" as produced by
// sessionFormat. Session names cannot contain ':' so a 4-way split is safe.
func parseSessionLine(line string) (Session, bool) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return Session{}, false
	}

	created, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Session{}, false
	}
	windows, err := strconv.Atoi(parts[2])
	if err != nil {
		return Session{}, false
	}

	return Session{
		Name:      parts[0],
		CreatedAt: time.Unix(created, 0).UTC(),
		Windows:   windows,
		Alive:     true,
	}, true
}
