package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/executor"
)

var (
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("cron job not found")

	// ErrInvalidJob wraps every job validation failure
	ErrInvalidJob = errors.New("invalid cron job")
)

// JobKind selects what a job starts
type JobKind string

const (
	JobKindAgent    JobKind = "agent"
	JobKindPipeline JobKind = "pipeline"
)

// Job is a recurring trigger loaded from configuration
type Job struct {
	ID   string  `json:"id" mapstructure:"id"`
	Kind JobKind `json:"kind" mapstructure:"kind"`
	// Expr is a 5-field cron expression or a descriptor such as @hourly or
	// @every 15m.
	Expr string `json:"expr" mapstructure:"expr"`
	// TZ is an optional IANA time zone for Expr.
	TZ      string `json:"tz,omitempty" mapstructure:"tz"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`

	AgentRef string `json:"agent_ref,omitempty" mapstructure:"agent_ref"`
	Message  string `json:"message,omitempty" mapstructure:"message"`

	PipelineID string `json:"pipeline_id,omitempty" mapstructure:"pipeline_id"`
	// Context seeds every run the job starts
	Context map[string]interface{} `json:"context,omitempty" mapstructure:"context"`
}

// Validate checks the job fields and its schedule
func (j Job) Validate() error {
	if err := executor.ValidateIdentifier("job id", j.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if _, err := ParseSchedule(j.Expr, j.TZ); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, j.ID, err)
	}

	switch j.Kind {
	case JobKindAgent:
		if err := executor.ValidateIdentifier("agent ref", j.AgentRef); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidJob, j.ID, err)
		}
		if err := executor.ValidateInput(j.Message); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidJob, j.ID, err)
		}
	case JobKindPipeline:
		if err := executor.ValidateIdentifier("pipeline id", j.PipelineID); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidJob, j.ID, err)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q (expected agent or pipeline)", ErrInvalidJob, j.ID, j.Kind)
	}
	return nil
}

// Outcome of one firing
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks the runtime state of a job
type JobState struct {
	NextRunAt         *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt         *time.Time `json:"lastRunAt,omitempty"`
	LastStatus        string     `json:"lastStatus,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	LastSessionID     string     `json:"lastSessionId,omitempty"`
	LastPipelineRunID string     `json:"lastPipelineRunId,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors,omitempty"`
}

// JobStatus is a job with its state
type JobStatus struct {
	Job
	State JobState `json:"state"`
}
