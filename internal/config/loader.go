package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// CONDUCTOR_SAFETY_MAX_CONCURRENT_AGENTS
const EnvPrefix = "CONDUCTOR"

// envKeys are the settings that can be overridden from the environment
var envKeys = []string{
	"safety.max_concurrent_agents",
	"safety.max_cost_per_run",
	"safety.max_duration_per_run",
	"safety.max_tokens_per_run",
	"safety.max_runs_per_hour",
	"executor.mode",
	"executor.local.binary",
	"executor.local.work_dir",
	"executor.local.kill_grace",
	"executor.gateway.url",
	"executor.gateway.token",
	"executor.gateway.handshake_timeout",
	"executor.mock.delay",
	"agents_file",
	"supervisor.history_size",
	"supervisor.output_events",
	"pipelines.dir",
	"pipelines.watch",
	"pipelines.admission_retries",
	"pipelines.admission_retry_interval",
	"pipelines.retain_runs",
	"gateway.enabled",
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"gateway.requests_per_minute",
	"gateway.max_concurrent_requests",
	"sinks.log.enabled",
	"sinks.redis.enabled",
	"sinks.redis.addr",
	"sinks.redis.password",
	"sinks.redis.db",
	"sinks.history.enabled",
	"sinks.history.path",
	"tracing.enabled",
	"tracing.sample_ratio",
	"tracing.log_spans",
	"logging.level",
	"logging.file",
	"data_dir",
}

// legacyEnv maps unprefixed variable names that older deployments use
var legacyEnv = map[string]string{
	"safety.max_concurrent_agents": "MAX_CONCURRENT_AGENTS",
	"safety.max_cost_per_run":      "MAX_COST_PER_RUN",
	"safety.max_duration_per_run":  "MAX_DURATION_PER_RUN",
	"safety.max_tokens_per_run":    "MAX_TOKENS_PER_RUN",
	"safety.max_runs_per_hour":     "MAX_RUNS_PER_HOUR",
	"executor.mode":                "OPENCLAW_MODE",
	"executor.gateway.url":         "OPENCLAW_GATEWAY_URL",
	"executor.gateway.token":       "OPENCLAW_GATEWAY_TOKEN",
	"gateway.port":                 "SERVER_PORT",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a loader. envFiles are .env files loaded before the
// environment is read; when none are given ./.env is used if present.
func NewLoader(configPath string, envFiles ...string) *Loader {
	return &Loader{
		configPath: configPath,
		envFiles:   envFiles,
	}
}

// DefaultConfigPath returns ~/.conductor/conductor.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".conductor", "conductor.json")
	}
	return filepath.Join(home, ".conductor", "conductor.json")
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultConfigPath()
}

// Load reads defaults, then the config file if it exists, then the
// environment. It does not validate.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		names := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	fileFound := false
	if _, err := os.Stat(configPath); err == nil {
		fileFound = true
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Normalize()

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(DefaultConfigPath())
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "conductor.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Sinks.History.Path == "" {
		cfg.Sinks.History.Path = filepath.Join(cfg.DataDir, "history.db")
	}

	// Relative paths in a config file are relative to the file.
	if fileFound {
		base := filepath.Dir(configPath)
		cfg.AgentsFile = resolve(base, cfg.AgentsFile)
		cfg.Pipelines.Dir = resolve(base, cfg.Pipelines.Dir)
	}

	return cfg, nil
}

func (l *Loader) loadEnvFiles() error {
	if len(l.envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(".env"); err != nil {
				return fmt.Errorf("failed to load .env: %w", err)
			}
		}
		return nil
	}
	if err := godotenv.Load(l.envFiles...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// Save writes cfg as JSON to the config path. The file may hold secrets
// so it is created owner-only.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
