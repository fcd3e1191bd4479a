package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/harun/conductor/pkg/executor"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateExecutorMode validates executor.mode
func (v *Validator) ValidateExecutorMode(mode executor.Mode) error {
	switch mode {
	case executor.ModeLocal, executor.ModeGateway, executor.ModeMock:
		return nil
	}
	return fmt.Errorf("executor.mode must be 'local', 'gateway' or 'mock', got: %s", mode)
}

// ValidateGatewayURL validates the remote agent gateway URL
func (v *Validator) ValidateGatewayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("executor.gateway.url is required when executor.mode is 'gateway'")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("executor.gateway.url is not a valid URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	}
	return fmt.Errorf("executor.gateway.url must use ws, wss, http or https, got: %s", u.Scheme)
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got: %d", name, port)
	}
	return nil
}

// ValidateFile checks that path names an existing regular file
func (v *Validator) ValidateFile(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", name, path)
	}
	return nil
}

// ValidateDir checks that path names an existing directory
func (v *Validator) ValidateDir(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", name, path)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Safety.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateExecutorMode(cfg.Executor.Mode); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Executor.Mode {
	case executor.ModeLocal:
		if strings.TrimSpace(cfg.Executor.Local.Binary) == "" {
			errs = append(errs, fmt.Errorf("executor.local.binary is required when executor.mode is 'local'"))
		}
		if cfg.Executor.Local.KillGrace < 0 {
			errs = append(errs, fmt.Errorf("executor.local.kill_grace must be >= 0"))
		}
	case executor.ModeGateway:
		if err := v.ValidateGatewayURL(cfg.Executor.Gateway.URL); err != nil {
			errs = append(errs, err)
		}
		if cfg.Executor.Gateway.KillGrace < 0 {
			errs = append(errs, fmt.Errorf("executor.gateway.kill_grace must be >= 0"))
		}
	}

	seenAgents := make(map[string]bool, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		if err := agent.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %d: %w", i, err))
			continue
		}
		if seenAgents[agent.ID] {
			errs = append(errs, fmt.Errorf("agent %d: duplicate id %s", i, agent.ID))
		}
		seenAgents[agent.ID] = true
	}
	if cfg.AgentsFile != "" {
		if err := v.ValidateFile(cfg.AgentsFile, "agents_file"); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Supervisor.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("supervisor.history_size must be >= 0"))
	}

	if cfg.Pipelines.Dir != "" {
		if err := v.ValidateDir(cfg.Pipelines.Dir, "pipelines.dir"); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Pipelines.AdmissionRetries < 0 {
		errs = append(errs, fmt.Errorf("pipelines.admission_retries must be >= 0"))
	}
	if cfg.Pipelines.AdmissionRetries > 0 && cfg.Pipelines.AdmissionRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipelines.admission_retry_interval must be > 0 when retries are enabled"))
	}
	if cfg.Pipelines.RetainRuns < 0 {
		errs = append(errs, fmt.Errorf("pipelines.retain_runs must be >= 0"))
	}

	seenJobs := make(map[string]bool, len(cfg.Schedules))
	for i, job := range cfg.Schedules {
		if err := job.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedule %d: %w", i, err))
			continue
		}
		if seenJobs[job.ID] {
			errs = append(errs, fmt.Errorf("schedule %d: duplicate id %s", i, job.ID))
		}
		seenJobs[job.ID] = true
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port, "gateway.port"); err != nil {
			errs = append(errs, err)
		}
		if cfg.Gateway.RequestsPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("gateway.requests_per_minute must be > 0"))
		}
		if cfg.Gateway.MaxConcurrentRequests <= 0 {
			errs = append(errs, fmt.Errorf("gateway.max_concurrent_requests must be > 0"))
		}
		if cfg.Gateway.TickInterval < 0 {
			errs = append(errs, fmt.Errorf("gateway.tick_interval must be >= 0"))
		}
	}

	if cfg.Sinks.Redis.Enabled && strings.TrimSpace(cfg.Sinks.Redis.Addr) == "" {
		errs = append(errs, fmt.Errorf("sinks.redis.addr is required when the redis sink is enabled"))
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1) {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// Validate returns all problems joined into one error, or nil
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
