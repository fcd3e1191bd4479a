package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusTimedOut  Status = "timed_out"

	// StatusUnknown is reported for ids the supervisor has no record of.
	// It is never stored on a Session.
	StatusUnknown Status = "unknown"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid session transition")

// IsTerminal reports whether no further transitions can leave s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a storable session status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning: {StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one agent invocation. It is owned by the supervisor and is not
// safe for concurrent use; everyone else reads Snapshot values.
type Session struct {
	ID          string
	AgentRef    string
	Input       string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Deadline    *time.Time
	CostCeiling float64
	ExitCode    *int
	Error       string

	output *OutputBuffer
}

// New creates a pending session
func New(id, agentRef, input string) *Session {
	return &Session{
		ID:        id,
		AgentRef:  agentRef,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		output:    NewOutputBuffer(MaxOutputBytes),
	}
}

// Transition moves the session to status to, stamping StartedAt or
// CompletedAt with at.
func (s *Session) Transition(to Status, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	s.Status = to
	if to == StatusRunning {
		started := at
		s.StartedAt = &started
	}
	if to.IsTerminal() {
		completed := at
		s.CompletedAt = &completed
	}
	return nil
}

// SetDeadline arms the recorded deadline relative to StartedAt
func (s *Session) SetDeadline(maxDuration time.Duration) {
	if s.StartedAt == nil {
		return
	}
	deadline := s.StartedAt.Add(maxDuration)
	s.Deadline = &deadline
}

// SetExitCode records the executor exit status
func (s *Session) SetExitCode(code int) {
	s.ExitCode = &code
}

// AppendOutput adds a streamed chunk to the output buffer
func (s *Session) AppendOutput(chunk string) {
	if s.output == nil {
		s.output = NewOutputBuffer(MaxOutputBytes)
	}
	s.output.Write(chunk)
}

// ReplaceOutput overwrites the buffer with the executor's final output
func (s *Session) ReplaceOutput(output string) {
	s.output = NewOutputBuffer(MaxOutputBytes)
	s.output.Write(output)
}

// Output returns the accumulated output
func (s *Session) Output() string {
	if s.output == nil {
		return ""
	}
	return s.output.String()
}

// Snapshot returns a copy safe to hand to other goroutines
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.ID,
		AgentRef:    s.AgentRef,
		Input:       s.Input,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		StartedAt:   copyTime(s.StartedAt),
		CompletedAt: copyTime(s.CompletedAt),
		Deadline:    copyTime(s.Deadline),
		CostCeiling: s.CostCeiling,
		Error:       s.Error,
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		snap.ExitCode = &code
	}
	if s.output != nil {
		snap.Output = s.output.String()
		snap.OutputTruncated = s.output.Truncated()
	}
	return snap
}

// Snapshot is an immutable view of a session
type Snapshot struct {
	ID              string     `json:"sessionId"`
	AgentRef        string     `json:"agentRef"`
	Input           string     `json:"input,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	CostCeiling     float64    `json:"costCeiling,omitempty"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	Error           string     `json:"error,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"outputTruncated,omitempty"`
}

// Elapsed returns how long the session has been (or was) running
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// Unknown is the status result for an id with no record
func Unknown(id string) Snapshot {
	return Snapshot{ID: id, Status: StatusUnknown}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
