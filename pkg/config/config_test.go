package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8420", cfg.Addr())
	assert.Equal(t, 16, cfg.MaxAgents)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SWARMD_BIND_PORT", "9000")
	t.Setenv("SWARMD_MAX_AGENTS", "4")
	t.Setenv("SWARMD_SCALE_INTERVAL_MS", "500")
	t.Setenv("SWARMD_LOG_LEVEL", "DEBUG")
	t.Setenv("SWARMD_AUTH_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.BindPort)
	assert.Equal(t, 4, cfg.MaxAgents)
	assert.Equal(t, 500*time.Millisecond, cfg.ScaleInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "secret", cfg.AuthToken)
}

func TestLoadInvalidEnvValue(t *testing.T) {
	t.Setenv("SWARMD_BIND_PORT", "not-a-port")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWARMD_BIND_PORT")
}

func TestLoadYAMLFileMergedWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmd.yaml")
	content := "bind_port: 7777\nmax_agents: 8\ncoordinator:\n  max_queue_size: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.BindPort)
	assert.Equal(t, 8, cfg.MaxAgents)
	assert.Equal(t, 50, cfg.Coordinator.MaxQueueSize)
	// Fields the file leaves unset keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Coordinator.MaxRetries)
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_port: 7777\n"), 0o600))
	t.Setenv("SWARMD_BIND_PORT", "8888")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.BindPort)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"zero port", func(c *Config) { c.BindPort = 0 }},
		{"zero agents", func(c *Config) { c.MaxAgents = 0 }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero scale interval", func(c *Config) { c.ScaleInterval = 0 }},
		{"zero queue size", func(c *Config) { c.Coordinator.MaxQueueSize = 0 }},
		{"negative retries", func(c *Config) { c.Coordinator.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/swarmd.yaml")
	require.Error(t, err)
}
