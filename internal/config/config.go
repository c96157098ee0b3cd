// Package config defines the SplitMind configuration: the orchestrator
// runtime knobs, coordination backend selection, agent CLI settings, and
// storage paths. Values come from a YAML file, SPLITMIND_* environment
// variables, and per-project overrides, resolved through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete SplitMind configuration.
type Config struct {
	Orchestrator OrchestratorConfig           `mapstructure:"orchestrator"`
	Coordination CoordinationConfig           `mapstructure:"coordination"`
	Agent        AgentConfig                  `mapstructure:"agent"`
	Server       ServerConfig                 `mapstructure:"server"`
	Logging      LoggingConfig                `mapstructure:"logging"`
	Paths        PathsConfig                  `mapstructure:"paths"`
	Projects     map[string]OrchestratorPatch `mapstructure:"projects"`
}

// OrchestratorConfig holds the per-project runtime knobs. Every field has
// an _s suffix twin in the file format where the unit is seconds.
type OrchestratorConfig struct {
	// MaxConcurrentAgents bounds tasks in in_progress (1-20).
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents"`
	// AutoMerge advances the merge queue automatically on completion.
	AutoMerge bool `mapstructure:"auto_merge"`
	// MergeStrategy is "merge", "rebase", or "squash".
	MergeStrategy string `mapstructure:"merge_strategy"`
	// FFOnly restricts merges to fast-forwards regardless of strategy.
	FFOnly bool `mapstructure:"ff_only"`
	// AutoSpawnIntervalS is the scheduler tick period in seconds (10-600).
	AutoSpawnIntervalS int `mapstructure:"auto_spawn_interval_s"`
	// HeartbeatTTLS is the agent liveness threshold in seconds.
	HeartbeatTTLS int `mapstructure:"heartbeat_ttl_s"`
	// SpawnTimeoutS bounds one session spawn in seconds.
	SpawnTimeoutS int `mapstructure:"spawn_timeout_s"`
	// MergeTimeoutS bounds one merge attempt in seconds.
	MergeTimeoutS int `mapstructure:"merge_timeout_s"`
	// StarvationTTLS grants an unclaimed task +1 effective priority per
	// elapsed interval, in seconds. 0 disables aging.
	StarvationTTLS int `mapstructure:"starvation_ttl_s"`
	// ConflictPolicy is "abort", "reset_task", or "hold".
	ConflictPolicy string `mapstructure:"conflict_policy"`
	// StatusDir is the completion marker drop-directory.
	StatusDir string `mapstructure:"status_dir"`
	// RetryBudget is how many failed spawns/agent attempts a task gets
	// before it is marked blocked.
	RetryBudget int `mapstructure:"retry_budget"`
}

// OrchestratorPatch is a per-project override; nil fields inherit the
// global value.
type OrchestratorPatch struct {
	MaxConcurrentAgents *int    `mapstructure:"max_concurrent_agents"`
	AutoMerge           *bool   `mapstructure:"auto_merge"`
	MergeStrategy       *string `mapstructure:"merge_strategy"`
	FFOnly              *bool   `mapstructure:"ff_only"`
	AutoSpawnIntervalS  *int    `mapstructure:"auto_spawn_interval_s"`
	HeartbeatTTLS       *int    `mapstructure:"heartbeat_ttl_s"`
	SpawnTimeoutS       *int    `mapstructure:"spawn_timeout_s"`
	MergeTimeoutS       *int    `mapstructure:"merge_timeout_s"`
	StarvationTTLS      *int    `mapstructure:"starvation_ttl_s"`
	ConflictPolicy      *string `mapstructure:"conflict_policy"`
	StatusDir           *string `mapstructure:"status_dir"`
	RetryBudget         *int    `mapstructure:"retry_budget"`
}

// CoordinationConfig selects the registry backing store.
type CoordinationConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
	// RedisAddr is host:port for the redis backend.
	RedisAddr string `mapstructure:"redis_addr"`
	// RedisPassword authenticates the redis connection; empty for none.
	RedisPassword string `mapstructure:"redis_password"`
	// RedisDB is the redis database index.
	RedisDB int `mapstructure:"redis_db"`
}

// AgentConfig controls how agent subprocesses are invoked.
type AgentConfig struct {
	// Command is the agent CLI executable invoked inside each session.
	Command string `mapstructure:"command"`
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	// Listen is the address the control plane binds, host:port.
	Listen string `mapstructure:"listen"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `mapstructure:"level"`
}

// PathsConfig controls where SplitMind stores its state.
type PathsConfig struct {
	// StateDir holds logs and runtime state. Empty means
	// ~/.config/splitmind (respecting XDG_CONFIG_HOME).
	StateDir string `mapstructure:"state_dir"`
}

// Default returns a Config with the documented default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentAgents: 4,
			AutoMerge:           true,
			MergeStrategy:       "merge",
			FFOnly:              false,
			AutoSpawnIntervalS:  30,
			HeartbeatTTLS:       120,
			SpawnTimeoutS:       30,
			MergeTimeoutS:       120,
			StarvationTTLS:      600,
			ConflictPolicy:      "hold",
			StatusDir:           filepath.Join(os.TempDir(), "splitmind-status"),
			RetryBudget:         3,
		},
		Coordination: CoordinationConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			RedisDB:   0,
		},
		Agent: AgentConfig{
			Command: "claude",
		},
		Server: ServerConfig{
			Listen: "localhost:7600",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Paths: PathsConfig{
			StateDir: "",
		},
		Projects: map[string]OrchestratorPatch{},
	}
}

// Duration accessors. The file format uses integral seconds.

func (o *OrchestratorConfig) AutoSpawnInterval() time.Duration {
	return time.Duration(o.AutoSpawnIntervalS) * time.Second
}

func (o *OrchestratorConfig) HeartbeatTTL() time.Duration {
	return time.Duration(o.HeartbeatTTLS) * time.Second
}

func (o *OrchestratorConfig) SpawnTimeout() time.Duration {
	return time.Duration(o.SpawnTimeoutS) * time.Second
}

func (o *OrchestratorConfig) MergeTimeout() time.Duration {
	return time.Duration(o.MergeTimeoutS) * time.Second
}

func (o *OrchestratorConfig) StarvationTTL() time.Duration {
	return time.Duration(o.StarvationTTLS) * time.Second
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("orchestrator.max_concurrent_agents", defaults.Orchestrator.MaxConcurrentAgents)
	viper.SetDefault("orchestrator.auto_merge", defaults.Orchestrator.AutoMerge)
	viper.SetDefault("orchestrator.merge_strategy", defaults.Orchestrator.MergeStrategy)
	viper.SetDefault("orchestrator.ff_only", defaults.Orchestrator.FFOnly)
	viper.SetDefault("orchestrator.auto_spawn_interval_s", defaults.Orchestrator.AutoSpawnIntervalS)
	viper.SetDefault("orchestrator.heartbeat_ttl_s", defaults.Orchestrator.HeartbeatTTLS)
	viper.SetDefault("orchestrator.spawn_timeout_s", defaults.Orchestrator.SpawnTimeoutS)
	viper.SetDefault("orchestrator.merge_timeout_s", defaults.Orchestrator.MergeTimeoutS)
	viper.SetDefault("orchestrator.starvation_ttl_s", defaults.Orchestrator.StarvationTTLS)
	viper.SetDefault("orchestrator.conflict_policy", defaults.Orchestrator.ConflictPolicy)
	viper.SetDefault("orchestrator.status_dir", defaults.Orchestrator.StatusDir)
	viper.SetDefault("orchestrator.retry_budget", defaults.Orchestrator.RetryBudget)

	viper.SetDefault("coordination.backend", defaults.Coordination.Backend)
	viper.SetDefault("coordination.redis_addr", defaults.Coordination.RedisAddr)
	viper.SetDefault("coordination.redis_password", defaults.Coordination.RedisPassword)
	viper.SetDefault("coordination.redis_db", defaults.Coordination.RedisDB)

	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("server.listen", defaults.Server.Listen)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)

	viper.SetEnvPrefix("SPLITMIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ForProject returns the orchestrator knobs for one project with its
// overrides applied.
func (c *Config) ForProject(project string) OrchestratorConfig {
	out := c.Orchestrator
	patch, ok := c.Projects[project]
	if !ok {
		return out
	}
	patch.applyTo(&out)
	return out
}

func (p *OrchestratorPatch) applyTo(o *OrchestratorConfig) {
	if p.MaxConcurrentAgents != nil {
		o.MaxConcurrentAgents = *p.MaxConcurrentAgents
	}
	if p.AutoMerge != nil {
		o.AutoMerge = *p.AutoMerge
	}
	if p.MergeStrategy != nil {
		o.MergeStrategy = *p.MergeStrategy
	}
	if p.FFOnly != nil {
		o.FFOnly = *p.FFOnly
	}
	if p.AutoSpawnIntervalS != nil {
		o.AutoSpawnIntervalS = *p.AutoSpawnIntervalS
	}
	if p.HeartbeatTTLS != nil {
		o.HeartbeatTTLS = *p.HeartbeatTTLS
	}
	if p.SpawnTimeoutS != nil {
		o.SpawnTimeoutS = *p.SpawnTimeoutS
	}
	if p.MergeTimeoutS != nil {
		o.MergeTimeoutS = *p.MergeTimeoutS
	}
	if p.StarvationTTLS != nil {
		o.StarvationTTLS = *p.StarvationTTLS
	}
	if p.ConflictPolicy != nil {
		o.ConflictPolicy = *p.ConflictPolicy
	}
	if p.StatusDir != nil {
		o.StatusDir = *p.StatusDir
	}
	if p.RetryBudget != nil {
		o.RetryBudget = *p.RetryBudget
	}
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "splitmind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".splitmind"
	}
	return filepath.Join(home, ".config", "splitmind")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir resolves the state directory, defaulting to the config dir.
func (c *Config) StateDir() string {
	if c.Paths.StateDir != "" {
		return c.Paths.StateDir
	}
	return ConfigDir()
}
