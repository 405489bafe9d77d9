// Package toolserver implements the shared main of the per-kind tool-server
// binaries. A tool server is spawned by the orchestrator for exactly one
// worker: it loads the same config, opens the shared store, and exposes the
// worker's tool table over MCP on stdio or HTTP. Stdout belongs to the wire
// protocol (and the one-line endpoint handshake); all logging goes to stderr.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/app"
	"github.com/zjrosen/swarmd/internal/config"
	"github.com/zjrosen/swarmd/internal/dispatch"
	"github.com/zjrosen/swarmd/internal/dispatch/mcp"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
)

type options struct {
	agentID       string
	workspace     string
	branch        string
	session       string
	issue         int
	parentID      string
	parentSession string
	listen        string
	stdio         bool
	configFile    string
}

// Main runs the tool server for one worker kind and exits the process.
func Main(kind store.WorkerKind, version string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewCommand(kind, version).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// NewCommand builds the cobra command for one kind's server binary.
func NewCommand(kind store.WorkerKind, version string) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          string(kind) + "-server",
		Short:        fmt.Sprintf("MCP tool server for a %s worker", kind),
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), kind, o, version)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.agentID, "agent-id", "", "worker id this server serves")
	f.StringVar(&o.workspace, "workspace", "", "worktree path the worker operates in")
	f.StringVar(&o.branch, "branch", "", "work branch checked out in the workspace")
	f.StringVar(&o.session, "session", "", "terminal session hosting the worker's LM")
	f.IntVar(&o.issue, "issue", 0, "hosting issue number the work addresses")
	f.StringVar(&o.listen, "listen", "", "serve MCP over HTTP on this address instead of stdio")
	f.BoolVar(&o.stdio, "stdio", false, "serve MCP on stdio (the default)")
	f.StringVar(&o.configFile, "config", "", "config file (default ~/.config/swarmd/config.yaml)")
	if kind == store.KindReview {
		f.StringVar(&o.parentID, "parent-instance-id", "", "worker id under review")
		f.StringVar(&o.parentSession, "parent-tmux-session", "", "terminal session of the worker under review")
		_ = cmd.MarkFlagRequired("parent-instance-id")
		_ = cmd.MarkFlagRequired("parent-tmux-session")
	}
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func run(ctx context.Context, kind store.WorkerKind, o options, version string) error {
	log.InitWriter(os.Stderr)

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.Options{RepoPath: o.workspace, LogWriter: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()

	// The worker row was inserted before this process was spawned; a missing
	// or mismatched row means every tool call would be rejected anyway.
	w, err := a.DB.Workers().Get(ctx, o.agentID)
	if err != nil {
		return fmt.Errorf("worker %q not in store: %w", o.agentID, err)
	}
	if w.Kind != kind {
		return fmt.Errorf("worker %q is a %s worker; this is the %s server", o.agentID, w.Kind, kind)
	}

	srv, err := dispatch.NewServer(a.Dispatch, kind, o.agentID, version)
	if err != nil {
		return err
	}

	log.Info(log.CatTools, "tool server starting",
		"kind", kind, "worker", o.agentID, "workspace", o.workspace,
		"branch", o.branch, "session", o.session, "parent", o.parentID)

	if o.listen != "" {
		return serveHTTP(ctx, srv, o.listen, os.Stdout)
	}
	return serveStdio(ctx, srv)
}

// serveHTTP binds the address, reports the endpoint on the handshake writer,
// and serves until the context ends.
func serveHTTP(ctx context.Context, srv *mcp.Server, addr string, handshake io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	endpoint := "http://" + ln.Addr().String()

	hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()

	// The spawning driver blocks on this exact line.
	fmt.Fprintln(handshake, agent.HandshakePrefix+endpoint)
	log.Info(log.CatTools, "tool server listening", "endpoint", endpoint)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serveStdio runs the newline-framed protocol on the process pipes.
func serveStdio(ctx context.Context, srv *mcp.Server) error {
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	err := srv.Serve(os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
