// Package config provides configuration types, defaults, and validation for swarmd.
// Configuration is resolved once at startup (environment variables over an
// optional YAML file over defaults) and passed explicitly to components.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/zjrosen/swarmd/internal/log"
)

// Config is the root configuration shared by the orchestrator and the
// tool-server binaries.
type Config struct {
	DatabaseURL    string   `mapstructure:"database_url" yaml:"database_url"`
	LogLevel       string   `mapstructure:"log_level" yaml:"log_level"`
	LogFile        string   `mapstructure:"log_file" yaml:"log_file"`
	CleanupOnError bool     `mapstructure:"cleanup_on_error" yaml:"cleanup_on_error"`
	SupportedHosts []string `mapstructure:"supported_hosts" yaml:"supported_hosts"`
	ToolServerDir  string   `mapstructure:"tool_server_dir" yaml:"tool_server_dir"`
	PromptsDir     string   `mapstructure:"prompts_dir" yaml:"prompts_dir"`

	Hosting  HostingConfig  `mapstructure:"hosting" yaml:"hosting"`
	LM       LMConfig       `mapstructure:"lm" yaml:"lm"`
	Git      GitConfig      `mapstructure:"git" yaml:"git"`
	Term     TermConfig     `mapstructure:"term" yaml:"term"`
	Worktree WorktreeConfig `mapstructure:"worktree" yaml:"worktree"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// HostingConfig configures the hosting provider client.
type HostingConfig struct {
	Token     string `mapstructure:"token" yaml:"token"`
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

func (c HostingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LMConfig configures the language-model CLI subprocess.
type LMConfig struct {
	CLI       string `mapstructure:"cli" yaml:"cli"`
	Model     string `mapstructure:"model" yaml:"model"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

func (c LMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GitConfig configures git subprocess behavior.
type GitConfig struct {
	TimeoutMS     int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	DefaultBranch string `mapstructure:"default_branch" yaml:"default_branch"`
}

func (c GitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TermConfig configures the terminal multiplexer driver.
type TermConfig struct {
	SessionPrefix string `mapstructure:"session_prefix" yaml:"session_prefix"`
	KillTimeoutMS int    `mapstructure:"kill_timeout_ms" yaml:"kill_timeout_ms"`
}

func (c TermConfig) KillTimeout() time.Duration {
	return time.Duration(c.KillTimeoutMS) * time.Millisecond
}

// WorktreeConfig bounds worktree placement and count.
type WorktreeConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
	Max      int    `mapstructure:"max" yaml:"max"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"`
	FilePath     string  `mapstructure:"file_path" yaml:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
}

// WorktreeMaxFloor and WorktreeMaxCeiling bound the concurrent worker count.
const (
	WorktreeMaxFloor   = 1
	WorktreeMaxCeiling = 50
)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		DatabaseURL:    DefaultDatabasePath(),
		LogLevel:       "info",
		LogFile:        DefaultLogPath(),
		CleanupOnError: true,
		SupportedHosts: []string{"github.com"},
		ToolServerDir:  "",
		PromptsDir:     "",
		Hosting: HostingConfig{
			Token:     "",
			APIURL:    "",
			TimeoutMS: 30000,
		},
		LM: LMConfig{
			CLI:       "claude",
			Model:     "",
			TimeoutMS: 60000,
		},
		Git: GitConfig{
			TimeoutMS:     30000,
			DefaultBranch: "main",
		},
		Term: TermConfig{
			SessionPrefix: "swarm-",
			KillTimeoutMS: 10000,
		},
		Worktree: WorktreeConfig{
			BasePath: DefaultWorktreeBase(),
			Max:      10,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "swarmd",
		},
	}
}

// DefaultDatabasePath places the store under the user's data directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarmd.db"
	}
	return filepath.Join(home, ".local", "share", "swarmd", "swarmd.db")
}

// DefaultLogPath places the log under the user's state directory.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarmd.log"
	}
	return filepath.Join(home, ".local", "state", "swarmd", "swarmd.log")
}

// DefaultWorktreeBase places worktrees under the user's data directory.
func DefaultWorktreeBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "worktrees"
	}
	return filepath.Join(home, ".local", "share", "swarmd", "worktrees")
}

// DefaultConfigPath is where Load looks for the YAML file absent --config.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarmd.yaml"
	}
	return filepath.Join(home, ".config", "swarmd", "config.yaml")
}

var sessionPrefixRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)

// Validate checks ranges and enumerations. It is called once after loading;
// components receive a config that is known to be sane.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must not be empty")
	}
	if c.Worktree.Max < WorktreeMaxFloor || c.Worktree.Max > WorktreeMaxCeiling {
		return fmt.Errorf("worktree.max must be between %d and %d, got %d",
			WorktreeMaxFloor, WorktreeMaxCeiling, c.Worktree.Max)
	}
	if c.Worktree.BasePath == "" {
		return fmt.Errorf("worktree.base_path must not be empty")
	}
	if !sessionPrefixRe.MatchString(c.Term.SessionPrefix) {
		return fmt.Errorf("term.session_prefix %q must match %s", c.Term.SessionPrefix, sessionPrefixRe)
	}
	if err := validatePositiveMS("hosting.timeout_ms", c.Hosting.TimeoutMS); err != nil {
		return err
	}
	if err := validatePositiveMS("lm.timeout_ms", c.LM.TimeoutMS); err != nil {
		return err
	}
	if err := validatePositiveMS("git.timeout_ms", c.Git.TimeoutMS); err != nil {
		return err
	}
	if err := validatePositiveMS("term.kill_timeout_ms", c.Term.KillTimeoutMS); err != nil {
		return err
	}
	if c.LM.CLI == "" {
		return fmt.Errorf("lm.cli must not be empty")
	}
	if c.Git.DefaultBranch == "" {
		return fmt.Errorf("git.default_branch must not be empty")
	}
	return c.Tracing.Validate()
}

func validatePositiveMS(key string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return nil
}

// Validate checks the tracing section.
func (t TracingConfig) Validate() error {
	switch t.Exporter {
	case "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, file, stdout, otlp; got %q", t.Exporter)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %f", t.SampleRate)
	}
	if t.Enabled && t.Exporter == "file" && t.FilePath == "" {
		return fmt.Errorf("tracing.file_path required when exporter is file")
	}
	return nil
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# swarmd configuration
# Values here are overridden by environment variables (DATABASE_URL,
# HOSTING_TOKEN, WORKTREE_MAX, ...).

# database_url: ~/.local/share/swarmd/swarmd.db
# log_level: info                  # debug | info | warn | error
# cleanup_on_error: true           # tear down partial launches
# supported_hosts: [github.com]

# hosting:
#   token: ""                      # or set HOSTING_TOKEN
#   api_url: ""                    # enterprise API base, blank for github.com
#   timeout_ms: 30000

# lm:
#   cli: claude
#   model: ""                      # blank uses the CLI default
#   timeout_ms: 60000

# git:
#   timeout_ms: 30000
#   default_branch: main

# term:
#   session_prefix: swarm-
#   kill_timeout_ms: 10000

# worktree:
#   base_path: ~/.local/share/swarmd/worktrees
#   max: 10                        # 1..50

# tracing:
#   enabled: false
#   exporter: none                 # none | file | stdout | otlp
#   sample_rate: 1.0
`
}

// WriteDefaultConfig writes the template to path, creating parent directories.
func WriteDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	log.Info(log.CatConfig, "wrote default config", "path", path)
	return nil
}
