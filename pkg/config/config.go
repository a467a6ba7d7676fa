// Package config builds the immutable runtime configuration for swarmd.
// Options come from an enumerated set of environment variables layered over
// an optional YAML file layered over built-in defaults. Configuration is
// constructed once at startup and passed into constructors; nothing reads
// it globally afterwards.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// DataPath selects the durable backend: empty means in-memory only,
	// "postgres" enables the PostgreSQL store configured via DB_* vars.
	DataPath string `yaml:"data_path"`

	// AuthToken guards the console gateway. Empty disables authentication.
	AuthToken string `yaml:"auth_token"`

	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	MaxAgents       int           `yaml:"max_agents"`
	ScaleInterval   time.Duration `yaml:"scale_interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	MaxConnections  int           `yaml:"max_connections"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Process     ProcessConfig     `yaml:"process"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// RetentionConfig bounds how long settled records stay in the store.
// A zero Interval disables the sweeper.
type RetentionConfig struct {
	Interval       time.Duration `yaml:"interval"`
	TaskRetention  time.Duration `yaml:"task_retention"`
	AgentRetention time.Duration `yaml:"agent_retention"`
}

// CoordinatorConfig bounds the swarm coordinator.
type CoordinatorConfig struct {
	// MaxQueueSize caps pending tasks; submissions beyond it are shed.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxRetries caps task re-queues after failure or agent loss.
	MaxRetries int `yaml:"max_retries"`
}

// ProcessConfig bounds the agent process manager.
type ProcessConfig struct {
	// Command is the agent executable; the agent type is passed as its
	// first argument.
	Command string `yaml:"command"`

	// WorkDir is the working directory for spawned agents.
	WorkDir string `yaml:"work_dir"`

	StartGrace          time.Duration `yaml:"start_grace"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`

	// RestartOnCrash re-spawns crashed agents up to MaxRestarts times.
	RestartOnCrash bool `yaml:"restart_on_crash"`
	MaxRestarts    int  `yaml:"max_restarts"`

	DefaultMemoryBytes int64         `yaml:"default_memory_bytes"`
	DefaultMaxTasks    int           `yaml:"default_max_tasks"`
	DefaultWallTimeout time.Duration `yaml:"default_wall_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DataPath:        "",
		BindHost:        "127.0.0.1",
		BindPort:        8420,
		LogLevel:        "info",
		MaxAgents:       16,
		ScaleInterval:   30 * time.Second,
		MetricsInterval: 30 * time.Second,
		MaxConnections:  64,
		Coordinator: CoordinatorConfig{
			MaxQueueSize: 1000,
			MaxRetries:   3,
		},
		Process: ProcessConfig{
			Command:             "swarm-agent",
			StartGrace:          5 * time.Second,
			HeartbeatInterval:   10 * time.Second,
			MaxMissedHeartbeats: 3,
			StopTimeout:         10 * time.Second,
			RestartOnCrash:      true,
			MaxRestarts:         3,
			DefaultMemoryBytes:  512 << 20,
			DefaultMaxTasks:     1,
			DefaultWallTimeout:  15 * time.Minute,
		},
		Retention: RetentionConfig{
			Interval:       10 * time.Minute,
			TaskRetention:  24 * time.Hour,
			AgentRetention: time.Hour,
		},
	}
}

// knownEnvKeys is the enumerated option set accepted under the SWARMD_
// prefix. Anything else under the prefix is ignored with a warning.
var knownEnvKeys = map[string]bool{
	"SWARMD_DATA_PATH":           true,
	"SWARMD_AUTH_TOKEN":          true,
	"SWARMD_BIND_HOST":           true,
	"SWARMD_BIND_PORT":           true,
	"SWARMD_LOG_LEVEL":           true,
	"SWARMD_MAX_AGENTS":          true,
	"SWARMD_SCALE_INTERVAL_MS":   true,
	"SWARMD_METRICS_INTERVAL_MS": true,
	"SWARMD_MAX_CONNECTIONS":     true,
	"SWARMD_AGENT_COMMAND":       true,
	"SWARMD_AGENT_WORK_DIR":      true,
	"SWARMD_CONFIG_FILE":         true,
}

// Load builds the configuration: defaults, then the optional YAML file named
// by SWARMD_CONFIG_FILE (or the path argument), then environment overrides.
func Load(configFile string) (*Config, error) {
	cfg := Defaults()

	if configFile == "" {
		configFile = os.Getenv("SWARMD_CONFIG_FILE")
	}
	if configFile != "" {
		fileCfg, err := loadFile(configFile)
		if err != nil {
			return nil, err
		}
		// File values win; mergo fills fields the file leaves unset
		// from the defaults.
		if err := mergo.Merge(fileCfg, cfg); err != nil {
			return nil, fmt.Errorf("merging config file over defaults: %w", err)
		}
		cfg = fileCfg
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	warnUnknownEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SWARMD_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("SWARMD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SWARMD_BIND_HOST"); v != "" {
		cfg.BindHost = v
	}
	if v := os.Getenv("SWARMD_AGENT_COMMAND"); v != "" {
		cfg.Process.Command = v
	}
	if v := os.Getenv("SWARMD_AGENT_WORK_DIR"); v != "" {
		cfg.Process.WorkDir = v
	}
	if v := os.Getenv("SWARMD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SWARMD_BIND_PORT", &cfg.BindPort},
		{"SWARMD_MAX_AGENTS", &cfg.MaxAgents},
		{"SWARMD_MAX_CONNECTIONS", &cfg.MaxConnections},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SWARMD_SCALE_INTERVAL_MS", &cfg.ScaleInterval},
		{"SWARMD_METRICS_INTERVAL_MS", &cfg.MetricsInterval},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.key, err)
			}
			*e.dst = time.Duration(ms) * time.Millisecond
		}
	}
	return nil
}

func warnUnknownEnv() {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "SWARMD_") && !knownEnvKeys[key] {
			slog.Warn("Ignoring unknown configuration key", "key", key)
		}
	}
}

// Validate checks the enumerated option constraints.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q: must be debug, info, warn, or error", c.LogLevel)
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("invalid bind_port %d", c.BindPort)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be at least 1, got %d", c.MaxAgents)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.ScaleInterval <= 0 || c.MetricsInterval <= 0 {
		return fmt.Errorf("scale and metrics intervals must be positive")
	}
	if c.Coordinator.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be at least 1")
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Process.HeartbeatInterval <= 0 || c.Process.StopTimeout <= 0 {
		return fmt.Errorf("process heartbeat_interval and stop_timeout must be positive")
	}
	if c.Retention.TaskRetention < 0 || c.Retention.AgentRetention < 0 || c.Retention.Interval < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	return nil
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}
