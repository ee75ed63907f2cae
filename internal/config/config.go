package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for an accretion run.
// Values are populated from .accretion.yaml, ACCRETION_* env vars, and CLI
// flags.
type Config struct {
	ClaudePath     string  `mapstructure:"claude_path"`
	RepoDir        string  `mapstructure:"repo_dir"`
	TargetRef      string  `mapstructure:"target_ref"`
	ShadowBranch   string  `mapstructure:"shadow_branch"`
	ArtifactFile   string  `mapstructure:"artifact_file"`
	LogFile        string  `mapstructure:"log_file"`
	StateDir       string  `mapstructure:"state_dir"`
	RunlogPath     string  `mapstructure:"runlog_path"`
	TelemetryPath  string  `mapstructure:"telemetry_path"`
	Model          string  `mapstructure:"model"`
	MaxWorkers     int     `mapstructure:"max_workers"`
	MaxRetries     int     `mapstructure:"max_retries"`
	ContextWindow  int     `mapstructure:"context_window"`
	MaxBudgetUSD   float64 `mapstructure:"max_budget_usd"`
	Verbose        bool    `mapstructure:"verbose"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() Config {
	viper.SetDefault("claude_path", "claude")
	viper.SetDefault("repo_dir", ".")
	viper.SetDefault("target_ref", "HEAD")
	viper.SetDefault("shadow_branch", "accretion/spec")
	viper.SetDefault("artifact_file", "SPEC.md")
	viper.SetDefault("log_file", "SPEC_LOG.md")
	viper.SetDefault("state_dir", ".accretion")
	viper.SetDefault("runlog_path", "")
	viper.SetDefault("telemetry_path", "")
	viper.SetDefault("model", "")
	viper.SetDefault("max_workers", 1)
	viper.SetDefault("max_retries", 2)
	viper.SetDefault("context_window", 5)
	viper.SetDefault("max_budget_usd", 0.0)
	viper.SetDefault("verbose", false)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
