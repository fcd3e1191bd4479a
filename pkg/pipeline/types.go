package pipeline

import (
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/executor"
)

// Step is one agent invocation in a pipeline
type Step struct {
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	AgentRef        string `json:"agent_ref" yaml:"agent_ref"`
	DelayMinutes    int    `json:"delay_minutes,omitempty" yaml:"delay_minutes,omitempty"`
	MessageTemplate string `json:"message_template,omitempty" yaml:"message_template,omitempty"`
}

// Delay returns the wait before the step starts
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// Definition is an ordered list of steps. It is not modified after loading.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Normalize fills default step names
func (d *Definition) Normalize() {
	for i := range d.Steps {
		if d.Steps[i].Name == "" {
			d.Steps[i].Name = fmt.Sprintf("step_%d", i)
		}
	}
}

// Validate checks ids, agent references and delays
func (d Definition) Validate() error {
	if err := executor.ValidateIdentifier("pipeline id", d.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	names := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if err := executor.ValidateIdentifier("agent ref", step.AgentRef); err != nil {
			return fmt.Errorf("%w: %s step %d: %v", ErrInvalidDefinition, d.ID, i, err)
		}
		if step.DelayMinutes < 0 {
			return fmt.Errorf("%w: %s step %d: delay_minutes must not be negative", ErrInvalidDefinition, d.ID, i)
		}
		if step.Name == "" {
			continue
		}
		if !keyPattern.MatchString(step.Name) {
			return fmt.Errorf("%w: %s step %d: name %q must match %s", ErrInvalidDefinition, d.ID, i, step.Name, keyPattern)
		}
		if prev, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: %s steps %d and %d share name %q", ErrInvalidDefinition, d.ID, prev, i, step.Name)
		}
		names[step.Name] = i
	}
	return nil
}

// RunStatus is the state of a pipeline run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepStatus is the state of one step within a run
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
	StepStopped   StepStatus = "stopped"
)

// Trigger records what started a run
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
	TriggerRPC    Trigger = "rpc"
)

// StepRun is the per-step record of a run
type StepRun struct {
	StepIndex     int        `json:"stepIndex"`
	StepName      string     `json:"stepName"`
	AgentRef      string     `json:"agentRef"`
	SessionID     string     `json:"sessionId,omitempty"`
	Status        StepStatus `json:"status"`
	ScheduledFor  *time.Time `json:"scheduledFor,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	OutputSummary Summary    `json:"outputSummary,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Run is one execution of a Definition
type Run struct {
	ID               string     `json:"id"`
	PipelineID       string     `json:"pipelineId"`
	Status           RunStatus  `json:"status"`
	Trigger          Trigger    `json:"trigger"`
	CurrentStepIndex int        `json:"currentStepIndex"`
	TotalSteps       int        `json:"totalSteps"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Error            string     `json:"error,omitempty"`
	// Context is the initial context the run was started with
	Context map[string]interface{} `json:"context,omitempty"`
	Steps   []StepRun              `json:"steps"`
}

// Clone returns a deep copy safe to hand to other goroutines
func (r Run) Clone() Run {
	out := r
	out.CompletedAt = copyTime(r.CompletedAt)
	if r.Context != nil {
		out.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	out.Steps = make([]StepRun, len(r.Steps))
	for i, step := range r.Steps {
		step.ScheduledFor = copyTime(step.ScheduledFor)
		step.StartedAt = copyTime(step.StartedAt)
		step.CompletedAt = copyTime(step.CompletedAt)
		step.OutputSummary = step.OutputSummary.clone()
		out.Steps[i] = step
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
