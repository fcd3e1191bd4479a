package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/executor"
)

func TestValidator_ValidateLogLevel(t *testing.T) {
	v := NewValidator()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidator_ValidateExecutorMode(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateExecutorMode(executor.ModeLocal))
	assert.NoError(t, v.ValidateExecutorMode(executor.ModeGateway))
	assert.NoError(t, v.ValidateExecutorMode(executor.ModeMock))

	err := v.ValidateExecutorMode("docker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.mode must be 'local', 'gateway' or 'mock'")
}

func TestValidator_ValidateGatewayURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		url     string
		wantErr string
	}{
		{url: "ws://127.0.0.1:18789"},
		{url: "wss://agents.example.com/run"},
		{url: "https://agents.example.com"},
		{url: "", wantErr: "is required"},
		{url: "not a url", wantErr: "not a valid URL"},
		{url: "ftp://agents.example.com", wantErr: "must use ws, wss, http or https"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := v.ValidateGatewayURL(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidator_ValidatePort(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(3001, "gateway.port"))
	assert.Error(t, v.ValidatePort(0, "gateway.port"))
	assert.Error(t, v.ValidatePort(70000, "gateway.port"))
}

func TestValidator_Paths(t *testing.T) {
	v := NewValidator()
	dir := t.TempDir()
	file := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(file, []byte("agents: []\n"), 0o644))

	assert.NoError(t, v.ValidateFile(file, "agents_file"))
	assert.Error(t, v.ValidateFile(dir, "agents_file"))
	assert.Error(t, v.ValidateFile(filepath.Join(dir, "missing.yaml"), "agents_file"))

	assert.NoError(t, v.ValidateDir(dir, "pipelines.dir"))
	assert.Error(t, v.ValidateDir(file, "pipelines.dir"))
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "gateway mode without url",
			mutate:  func(c *Config) { c.Executor.Mode = executor.ModeGateway },
			wantErr: "executor.gateway.url is required",
		},
		{
			name:    "local mode without binary",
			mutate:  func(c *Config) { c.Executor.Local.Binary = " " },
			wantErr: "executor.local.binary is required",
		},
		{
			name:    "invalid agent id",
			mutate:  func(c *Config) { c.Agents = []agents.Definition{{ID: "bad agent"}} },
			wantErr: "agent 0",
		},
		{
			name: "duplicate agent",
			mutate: func(c *Config) {
				c.Agents = []agents.Definition{{ID: "writer"}, {ID: "writer"}}
			},
			wantErr: "duplicate id writer",
		},
		{
			name:    "missing agents file",
			mutate:  func(c *Config) { c.AgentsFile = "/nonexistent/agents.yaml" },
			wantErr: "agents_file",
		},
		{
			name:    "missing pipelines dir",
			mutate:  func(c *Config) { c.Pipelines.Dir = "/nonexistent/pipelines" },
			wantErr: "pipelines.dir",
		},
		{
			name:    "retries without interval",
			mutate:  func(c *Config) { c.Pipelines.AdmissionRetryInterval = 0 },
			wantErr: "admission_retry_interval",
		},
		{
			name: "bad schedule",
			mutate: func(c *Config) {
				c.Schedules = []cron.Job{{ID: "nightly", Kind: cron.JobKindAgent, Expr: "whenever", AgentRef: "digest"}}
			},
			wantErr: "schedule 0",
		},
		{
			name: "duplicate schedule",
			mutate: func(c *Config) {
				job := cron.Job{ID: "nightly", Kind: cron.JobKindAgent, Expr: "@daily", AgentRef: "digest"}
				c.Schedules = []cron.Job{job, job}
			},
			wantErr: "duplicate id nightly",
		},
		{
			name:    "gateway port",
			mutate:  func(c *Config) { c.Gateway.Port = 0 },
			wantErr: "gateway.port",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Sinks.Redis.Enabled = true; c.Sinks.Redis.Addr = "" },
			wantErr: "sinks.redis.addr",
		},
		{
			name:    "unsafe limits",
			mutate:  func(c *Config) { c.Safety.MaxRunsPerHour = 0 },
			wantErr: "max_runs_per_hour",
		},
		{
			name:    "sample ratio out of range",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRatio = 1.5 },
			wantErr: "tracing.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			errs := v.ValidateConfig(cfg)
			require.NotEmpty(t, errs)
			assert.Contains(t, v.Validate(cfg).Error(), tt.wantErr)
		})
	}

	t.Run("disabled gateway skips port checks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = false
		cfg.Gateway.Port = 0
		assert.Empty(t, v.ValidateConfig(cfg))
	})
}
