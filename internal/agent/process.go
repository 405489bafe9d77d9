package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/term"
)

// HandshakePrefix is the line a tool server prints once its HTTP listener is
// bound. Everything after the prefix is the endpoint URL. The server side
// shares the constant so the two processes cannot drift.
const HandshakePrefix = "listening url="

// panePIDFormat asks the multiplexer for the pane's root process ID.
const panePIDFormat = "#{pane_pid}"

// CommandFactory creates the command to execute. Tests substitute their own
// to avoid spawning real binaries.
type CommandFactory func(name string, args ...string) *exec.Cmd

// Options configures the process driver.
type Options struct {
	// ToolServerDir holds the tool-server binaries. Empty means resolve them
	// on PATH.
	ToolServerDir string
	// LMCLI is the language-model CLI binary name.
	LMCLI string
	// LMModel is passed as --model when set.
	LMModel string
	// LaunchTimeout bounds the wait for the tool-server endpoint handshake.
	LaunchTimeout time.Duration
	// KillTimeout bounds the graceful period between SIGTERM and SIGKILL.
	KillTimeout time.Duration
	// CommandFactory defaults to exec.Command.
	CommandFactory CommandFactory
}

// ProcessDriver launches tool servers as direct children and LM CLIs inside
// terminal sessions.
type ProcessDriver struct {
	opts Options
	term term.Driver
}

var _ Driver = (*ProcessDriver)(nil)

// NewProcessDriver returns a driver using the given terminal driver for LM
// launches.
func NewProcessDriver(opts Options, t term.Driver) *ProcessDriver {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 60 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 10 * time.Second
	}
	if opts.LMCLI == "" {
		opts.LMCLI = "claude"
	}
	if opts.CommandFactory == nil {
		opts.CommandFactory = exec.Command
	}
	return &ProcessDriver{opts: opts, term: t}
}

// LMAvailable checks the LM CLI resolves on PATH.
func (d *ProcessDriver) LMAvailable() error {
	if _, err := exec.LookPath(d.opts.LMCLI); err != nil {
		return swarmerr.LMNotFoundErr(d.opts.LMCLI)
	}
	return nil
}

// binaryFor maps a worker kind to its tool-server binary.
func (d *ProcessDriver) binaryFor(kind store.WorkerKind) (string, error) {
	var name string
	switch kind {
	case store.KindCoding:
		name = "coding-server"
	case store.KindReview:
		name = "review-server"
	case store.KindPlanning:
		name = "planning-server"
	default:
		return "", fmt.Errorf("no tool server for kind %q", kind)
	}
	if d.opts.ToolServerDir != "" {
		return filepath.Join(d.opts.ToolServerDir, name), nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", swarmerr.New(swarmerr.CompAgent, swarmerr.LMNotFound,
			fmt.Sprintf("tool server binary %q not found on PATH", name)).
			WithDetail("binary", name).
			WithSuggestion("build the tool servers or set TOOL_SERVER_DIR to their location")
	}
	return path, nil
}

// StartToolServer spawns the kind-specific binary and waits for its endpoint
// handshake on stdout.
func (d *ProcessDriver) StartToolServer(ctx context.Context, spec ToolServerSpec) (*ToolServerHandle, error) {
	binary, err := d.binaryFor(spec.Kind)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--agent-id", spec.WorkerID,
		"--workspace", spec.Workspace,
		"--branch", spec.Branch,
		"--session", spec.Session,
		"--listen", "127.0.0.1:0",
	}
	if spec.Issue != nil {
		args = append(args, "--issue", strconv.Itoa(*spec.Issue))
	}
	if spec.Kind == store.KindReview {
		args = append(args, "--parent-instance-id", spec.ParentID,
			"--parent-tmux-session", spec.ParentSession)
	}

	cmd := d.opts.CommandFactory(binary, args...)
	cmd.Dir = spec.Workspace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMLaunchFailed,
			"creating tool server stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMLaunchFailed,
			"creating tool server stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMLaunchFailed,
			fmt.Sprintf("starting tool server %q", binary)).
			WithDetail("binary", binary).
			WithCause(err)
	}
	log.Debug(log.CatAgent, "tool server started",
		"worker", spec.WorkerID, "binary", binary, "pid", cmd.Process.Pid)

	// Both pipes are drained to EOF before Wait runs; the stdout goroutine
	// also delivers the handshake line.
	endpointCh := make(chan string, 1)
	var drained sync.WaitGroup
	drained.Add(2)
	go func() {
		defer drained.Done()
		reported := false
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			if !reported {
				if rest, ok := strings.CutPrefix(line, HandshakePrefix); ok {
					endpointCh <- strings.TrimSpace(rest)
					reported = true
					continue
				}
			}
			log.Debug(log.CatAgent, "tool server stdout", "worker", spec.WorkerID, "line", line)
		}
	}()
	go func() {
		defer drained.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug(log.CatAgent, "tool server stderr", "worker", spec.WorkerID, "line", sc.Text())
		}
	}()

	done := make(chan error, 1)
	go func() {
		drained.Wait()
		done <- cmd.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.opts.LaunchTimeout)
	defer timer.Stop()

	select {
	case endpoint := <-endpointCh:
		log.Info(log.CatAgent, "tool server ready",
			"worker", spec.WorkerID, "pid", cmd.Process.Pid, "endpoint", endpoint)
		return &ToolServerHandle{
			PID:      cmd.Process.Pid,
			Endpoint: endpoint,
			proc:     cmd.Process,
			done:     done,
		}, nil
	case err := <-done:
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMLaunchFailed,
			fmt.Sprintf("tool server for worker %s exited before reporting an endpoint", spec.WorkerID)).
			WithDetail("binary", binary).
			WithCause(err)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMTimeout,
			fmt.Sprintf("tool server did not report an endpoint within %s", d.opts.LaunchTimeout)).
			WithDetail("binary", binary).
			WithDetail("timeout", d.opts.LaunchTimeout.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return nil, swarmerr.New(swarmerr.CompAgent, swarmerr.LMLaunchFailed,
			"tool server launch canceled").WithCause(ctx.Err())
	}
}

// StartLM composes the CLI invocation with its environment prefix and types
// it into the worker's terminal session.
func (d *ProcessDriver) StartLM(ctx context.Context, spec LMSpec) (*LMHandle, error) {
	if err := term.ValidateEnv(spec.Env); err != nil {
		return nil, err
	}
	command := d.lmCommand(spec.Env)
	if err := d.term.SendKeys(ctx, spec.Session, command, true); err != nil {
		return nil, err
	}
	log.Info(log.CatAgent, "LM launched", "session", spec.Session, "cli", d.opts.LMCLI)

	out, err := d.term.DisplayMessage(ctx, spec.Session, panePIDFormat)
	if err != nil {
		return nil, swarmerr.LMSessionNotFoundErr(spec.Session).WithCause(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, swarmerr.LMLaunchFailedErr(fmt.Sprintf("pane PID %q is not numeric", out))
	}
	return &LMHandle{PID: pid, Session: spec.Session}, nil
}

// lmCommand renders "K=V ... cli [--model m]" with keys sorted for
// reproducibility. Values passed validation and contain no shell
// metacharacters.
func (d *ProcessDriver) lmCommand(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte(' ')
	}
	b.WriteString(d.opts.LMCLI)
	if d.opts.LMModel != "" {
		b.WriteString(" --model ")
		b.WriteString(d.opts.LMModel)
	}
	return b.String()
}

// TerminateToolServer signals the subprocess, preferring its exit channel for
// the graceful wait.
func (d *ProcessDriver) TerminateToolServer(ctx context.Context, handle *ToolServerHandle) error {
	if handle == nil || handle.PID <= 0 {
		return nil
	}
	log.Debug(log.CatAgent, "terminating tool server", "pid", handle.PID)
	return d.terminate(ctx, handle.PID, handle.done)
}

// TerminateLM signals the pane's root process. The session's shell exits with
// it, which is fine: session teardown follows in cleanup.
func (d *ProcessDriver) TerminateLM(ctx context.Context, handle *LMHandle) error {
	if handle == nil || handle.PID <= 0 {
		return nil
	}
	log.Debug(log.CatAgent, "terminating LM", "pid", handle.PID, "session", handle.Session)
	return d.terminate(ctx, handle.PID, nil)
}

// terminate sends SIGTERM, waits up to KillTimeout for exit, then SIGKILLs.
// A process that is already gone is not an error.
func (d *ProcessDriver) terminate(ctx context.Context, pid int, done <-chan error) error {
	if !processAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(d.opts.KillTimeout)
	if done != nil {
		timer := time.NewTimer(d.opts.KillTimeout)
		defer timer.Stop()
		select {
		case <-done:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}
	} else {
		for time.Now().Before(deadline) {
			if !processAlive(pid) {
				return nil
			}
			select {
			case <-ctx.Done():
				// fall through to the hard kill
			case <-time.After(100 * time.Millisecond):
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	if !processAlive(pid) {
		return nil
	}
	log.Warn(log.CatAgent, "graceful stop timed out, killing", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	if done != nil {
		<-done
	}
	return nil
}

// processAlive probes the PID with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
