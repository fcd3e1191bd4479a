// Package events carries session and pipeline state changes from the engine
// to whoever subscribes: sinks, websocket clients, tests.
package events

import (
	"strings"
	"time"
)

// Type names an event on the bus
type Type string

const (
	StatusRunning   Type = "status:running"
	StatusCompleted Type = "status:completed"
	StatusFailed    Type = "status:failed"
	StatusStopped   Type = "status:stopped"
	StatusTimedOut  Type = "status:timed_out"
	SessionOutput   Type = "session:output"

	PipelineStarted       Type = "pipeline:started"
	PipelineStepCompleted Type = "pipeline:stepCompleted"
	PipelineCompleted     Type = "pipeline:completed"
	PipelineFailed        Type = "pipeline:failed"
)

// IsSession reports whether t describes a single session
func (t Type) IsSession() bool {
	return strings.HasPrefix(string(t), "status:") || t == SessionOutput
}

// IsPipeline reports whether t describes a pipeline run
func (t Type) IsPipeline() bool {
	return strings.HasPrefix(string(t), "pipeline:")
}

// Event is one message on the bus. Session events fill SessionID and
// AgentRef; pipeline events fill PipelineRunID and PipelineID.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	SessionID string `json:"sessionId,omitempty"`
	AgentRef  string `json:"agentRef,omitempty"`
	Error     string `json:"error,omitempty"`
	Chunk     string `json:"chunk,omitempty"`

	PipelineRunID string `json:"pipelineRunId,omitempty"`
	PipelineID    string `json:"pipelineId,omitempty"`
	StepIndex     *int   `json:"stepIndex,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// WithStep sets StepIndex and returns the event
func (e Event) WithStep(index int) Event {
	e.StepIndex = &index
	return e
}
