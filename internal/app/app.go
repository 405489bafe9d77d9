// Package app assembles the shared swarmd runtime: logging, tracing, store,
// drivers, engine, and tool dispatch. The CLI and the tool-server binaries
// both compose their processes from here so wiring cannot drift between them.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/config"
	"github.com/zjrosen/swarmd/internal/dispatch"
	"github.com/zjrosen/swarmd/internal/engine"
	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/hosting"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/prompts"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/tracing"
)

// Options select the process-specific parts of the wiring.
type Options struct {
	// RepoPath is the repository the engine operates against: the main
	// checkout for the daemon, the worker's worktree for a tool server.
	RepoPath string
	// LogWriter, when set, replaces the log file sink. Tool servers pass
	// os.Stderr because their stdout carries the wire protocol.
	LogWriter io.Writer
}

// App holds the assembled runtime.
type App struct {
	Config   config.Config
	DB       *store.DB
	Engine   *engine.Engine
	Dispatch *dispatch.Dispatcher
	Tracing  *tracing.Provider

	closeLog func()
}

// New assembles the runtime from a validated config.
func New(cfg config.Config, opts Options) (*App, error) {
	closeLog, err := initLogging(cfg, opts.LogWriter)
	if err != nil {
		return nil, err
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if dir := filepath.Dir(cfg.DatabaseURL); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	lib, err := prompts.Load(cfg.PromptsDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	termDrv := term.NewTmuxDriver()
	gitDrv := git.NewCLIDriver(git.Options{
		RepoPath:       opts.RepoPath,
		BasePath:       cfg.Worktree.BasePath,
		SupportedHosts: cfg.SupportedHosts,
		Timeout:        cfg.Git.Timeout(),
	})
	agentDrv := agent.NewProcessDriver(agent.Options{
		ToolServerDir: cfg.ToolServerDir,
		LMCLI:         cfg.LM.CLI,
		LMModel:       cfg.LM.Model,
		LaunchTimeout: cfg.LM.Timeout(),
		KillTimeout:   cfg.Term.KillTimeout(),
	}, termDrv)

	drv := engine.Drivers{
		Git:   gitDrv,
		Term:  termDrv,
		Agent: agentDrv,
	}
	if cfg.Hosting.Token != "" {
		client, err := hosting.NewGitHubClient(cfg.Hosting)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		drv.Hosting = client
		drv.Issues = hosting.NewIssueService(client, db.Issues(), 0)
	}

	eng := engine.New(db, drv, lib, engine.Options{
		RepoPath:       opts.RepoPath,
		DefaultBranch:  cfg.Git.DefaultBranch,
		SessionPrefix:  cfg.Term.SessionPrefix,
		WorktreeMax:    cfg.Worktree.Max,
		OpTimeout:      cfg.Git.Timeout(),
		LaunchTimeout:  cfg.LM.Timeout(),
		KillTimeout:    cfg.Term.KillTimeout(),
		CleanupOnError: cfg.CleanupOnError,
		Tracer:         provider.Tracer(),
	})

	return &App{
		Config:   cfg,
		DB:       db,
		Engine:   eng,
		Dispatch: dispatch.New(db, eng, provider.Tracer()),
		Tracing:  provider,
		closeLog: closeLog,
	}, nil
}

// initLogging points the global logger at the configured sink and level.
func initLogging(cfg config.Config, w io.Writer) (func(), error) {
	closer := func() {}
	if w != nil {
		log.InitWriter(w)
	} else {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating log directory: %w", err)
			}
		}
		c, err := log.Init(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		closer = c
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetMinLevel(level)
	return closer, nil
}

// Close releases the runtime in reverse dependency order.
func (a *App) Close() {
	a.Engine.Close()
	if err := a.DB.Close(); err != nil {
		log.ErrorErr(log.CatStore, "closing store", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "tracing shutdown", err)
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}
