package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/sink"
)

// Config represents the main Conductor configuration
type Config struct {
	// Safety limits enforced by the governor
	Safety governor.Limits `json:"safety" mapstructure:"safety"`

	Executor executor.Config `json:"executor" mapstructure:"executor"`

	// Agents lists known agents. Empty means any well-formed ref may run.
	Agents []agents.Definition `json:"agents" mapstructure:"agents"`
	// AgentsFile is an optional YAML or JSON file with more agents
	AgentsFile string `json:"agents_file" mapstructure:"agents_file"`

	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Pipelines  PipelinesConfig  `json:"pipelines" mapstructure:"pipelines"`
	Schedules  []cron.Job       `json:"schedules" mapstructure:"schedules"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Sinks      SinksConfig      `json:"sinks" mapstructure:"sinks"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`

	// Data directory for the PID file, history database, audit log and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// SupervisorConfig tunes the session supervisor
type SupervisorConfig struct {
	// HistorySize is how many finished sessions stay queryable in memory
	HistorySize int `json:"history_size" mapstructure:"history_size"`
	// OutputEvents publishes session:output chunks on the event bus
	OutputEvents bool `json:"output_events" mapstructure:"output_events"`
}

// PipelinesConfig configures the pipeline scheduler
type PipelinesConfig struct {
	// Dir holds pipeline definition files (.json, .yaml, .yml)
	Dir string `json:"dir" mapstructure:"dir"`
	// Watch reloads definitions when files in Dir change
	Watch bool `json:"watch" mapstructure:"watch"`
	// AdmissionRetries is how often a step is retried after an admission
	// rejection before the run fails
	AdmissionRetries       int           `json:"admission_retries" mapstructure:"admission_retries"`
	AdmissionRetryInterval time.Duration `json:"admission_retry_interval" mapstructure:"admission_retry_interval"`
	// RetainRuns bounds the finished runs kept in memory
	RetainRuns int `json:"retain_runs" mapstructure:"retain_runs"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled               bool          `json:"enabled" mapstructure:"enabled"`
	Host                  string        `json:"host" mapstructure:"host"`
	Port                  int           `json:"port" mapstructure:"port"`
	SharedSecret          string        `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute     int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	TickInterval          time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
}

// Addr returns host:port
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// SinksConfig selects where events go
type SinksConfig struct {
	Log     LogSinkConfig     `json:"log" mapstructure:"log"`
	Redis   RedisSinkConfig   `json:"redis" mapstructure:"redis"`
	History HistorySinkConfig `json:"history" mapstructure:"history"`
}

// LogSinkConfig writes events to the structured log
type LogSinkConfig struct {
	Enabled       bool `json:"enabled" mapstructure:"enabled"`
	IncludeOutput bool `json:"include_output" mapstructure:"include_output"`
}

// RedisSinkConfig publishes events and session state to Redis
type RedisSinkConfig struct {
	Enabled          bool `json:"enabled" mapstructure:"enabled"`
	sink.RedisConfig `mapstructure:",squash"`
}

// HistorySinkConfig records events and pipeline runs in SQLite
type HistorySinkConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Path defaults to <data_dir>/history.db
	Path string `json:"path" mapstructure:"path"`
}

// TracingConfig enables OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// LogSpans writes every finished span to the debug log
	LogSpans bool `json:"log_spans" mapstructure:"log_spans"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Safety: governor.DefaultLimits(),
		Executor: executor.Config{
			Mode:  executor.ModeLocal,
			Local: executor.DefaultLocalConfig(),
			Gateway: executor.GatewayConfig{
				HandshakeTimeout: 10 * time.Second,
				KillGrace:        5 * time.Second,
			},
			Mock: executor.MockConfig{Delay: 2 * time.Second},
		},
		Supervisor: SupervisorConfig{
			HistorySize: 512,
		},
		Pipelines: PipelinesConfig{
			Watch:                  true,
			AdmissionRetries:       10,
			AdmissionRetryInterval: 30 * time.Second,
			RetainRuns:             256,
		},
		Gateway: GatewayConfig{
			Enabled:               true,
			Host:                  "127.0.0.1",
			Port:                  3001,
			RequestsPerMinute:     120,
			MaxConcurrentRequests: 10,
			TickInterval:          30 * time.Second,
		},
		Sinks: SinksConfig{
			Log:     LogSinkConfig{Enabled: true},
			Redis:   RedisSinkConfig{RedisConfig: sink.DefaultRedisConfig()},
			History: HistorySinkConfig{Enabled: true},
		},
		Tracing: TracingConfig{
			ServiceName: "conductor",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	masked.Executor.Gateway.Token = mask(c.Executor.Gateway.Token)
	masked.Sinks.Redis.Password = mask(c.Sinks.Redis.Password)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Normalize maps legacy values onto their current names
func (c *Config) Normalize() {
	// "shell" was the original name of the local mode.
	if c.Executor.Mode == "shell" || c.Executor.Mode == "" {
		c.Executor.Mode = executor.ModeLocal
	}
	for i := range c.Schedules {
		if c.Schedules[i].Kind == "" {
			c.Schedules[i].Kind = cron.JobKindAgent
		}
	}
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
