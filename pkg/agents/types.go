// Package agents resolves agent references to the definitions the
// orchestrator is allowed to run.
package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/executor"
)

// ErrAgentNotFound is returned for an unknown or disabled agent reference
var ErrAgentNotFound = errors.New("agent not found")

// Definition describes a runnable agent
type Definition struct {
	ID          string `json:"id" yaml:"id" mapstructure:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Disabled    bool   `json:"disabled,omitempty" yaml:"disabled,omitempty" mapstructure:"disabled"`
	// MaxDurationSeconds may shorten the global per-run duration limit.
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds,omitempty" mapstructure:"max_duration_seconds"`
}

// Validate checks the definition
func (d Definition) Validate() error {
	if err := executor.ValidateIdentifier("agent id", d.ID); err != nil {
		return err
	}
	if d.MaxDurationSeconds < 0 {
		return fmt.Errorf("agent %s: max_duration_seconds must not be negative", d.ID)
	}
	return nil
}

// MaxDuration returns the per-agent duration cap, zero when unset
func (d Definition) MaxDuration() time.Duration {
	return time.Duration(d.MaxDurationSeconds) * time.Second
}
