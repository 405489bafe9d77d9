package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/zjrosen/swarmd/internal/log"
)

// Load resolves the effective configuration: defaults, then the YAML file at
// configFile (or the default location when blank), then environment
// variables. Nested keys map to env names with underscores, so hosting.token
// reads HOSTING_TOKEN and worktree.max reads WORKTREE_MAX.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := configFile != ""
	path := configFile
	if !explicit {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		switch {
		case explicit:
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		case errors.Is(err, os.ErrNotExist):
			// First run: drop the commented template and continue on defaults.
			if werr := WriteDefaultConfig(path); werr != nil {
				log.Warn(log.CatConfig, "could not write default config", "path", path, "write_error", werr)
			}
		default:
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	} else {
		log.Debug(log.CatConfig, "loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("cleanup_on_error", d.CleanupOnError)
	v.SetDefault("supported_hosts", d.SupportedHosts)
	v.SetDefault("tool_server_dir", d.ToolServerDir)
	v.SetDefault("prompts_dir", d.PromptsDir)

	v.SetDefault("hosting.token", d.Hosting.Token)
	v.SetDefault("hosting.api_url", d.Hosting.APIURL)
	v.SetDefault("hosting.timeout_ms", d.Hosting.TimeoutMS)

	v.SetDefault("lm.cli", d.LM.CLI)
	v.SetDefault("lm.model", d.LM.Model)
	v.SetDefault("lm.timeout_ms", d.LM.TimeoutMS)

	v.SetDefault("git.timeout_ms", d.Git.TimeoutMS)
	v.SetDefault("git.default_branch", d.Git.DefaultBranch)

	v.SetDefault("term.session_prefix", d.Term.SessionPrefix)
	v.SetDefault("term.kill_timeout_ms", d.Term.KillTimeoutMS)

	v.SetDefault("worktree.base_path", d.Worktree.BasePath)
	v.SetDefault("worktree.max", d.Worktree.Max)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}
