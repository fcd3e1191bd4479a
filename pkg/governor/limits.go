package governor

import (
	"errors"
	"fmt"
	"time"
)

// Declared bounds for each limit. Values outside them are a fatal
// configuration error.
const (
	MinConcurrentAgents = 1
	MaxConcurrentAgents = 10

	MinCostPerRun = 0.01
	MaxCostPerRun = 100.0

	MinDurationSeconds = 30
	MaxDurationSeconds = 3600

	MinTokensPerRun = 100
	MaxTokensPerRun = 1_000_000

	MinRunsPerHour = 1
	MaxRunsPerHour = 1000
)

// Limits are the safety limits enforced at admission
type Limits struct {
	MaxConcurrentAgents int     `json:"max_concurrent_agents" mapstructure:"max_concurrent_agents"`
	MaxCostPerRun       float64 `json:"max_cost_per_run" mapstructure:"max_cost_per_run"`
	MaxDurationSeconds  int     `json:"max_duration_per_run" mapstructure:"max_duration_per_run"`
	MaxTokensPerRun     int     `json:"max_tokens_per_run" mapstructure:"max_tokens_per_run"`
	MaxRunsPerHour      int     `json:"max_runs_per_hour" mapstructure:"max_runs_per_hour"`
}

// DefaultLimits returns conservative defaults
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentAgents: 3,
		MaxCostPerRun:       5.0,
		MaxDurationSeconds:  300,
		MaxTokensPerRun:     100_000,
		MaxRunsPerHour:      20,
	}
}

// MaxDuration returns the per-run duration limit
func (l Limits) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationSeconds) * time.Second
}

// Validate checks every limit against its declared bounds and reports all
// violations at once.
func (l Limits) Validate() error {
	var errs []error

	if l.MaxConcurrentAgents < MinConcurrentAgents || l.MaxConcurrentAgents > MaxConcurrentAgents {
		errs = append(errs, fmt.Errorf("max_concurrent_agents must be between %d and %d, got: %d",
			MinConcurrentAgents, MaxConcurrentAgents, l.MaxConcurrentAgents))
	}
	if l.MaxCostPerRun < MinCostPerRun || l.MaxCostPerRun > MaxCostPerRun {
		errs = append(errs, fmt.Errorf("max_cost_per_run must be between %.2f and %.2f, got: %.2f",
			MinCostPerRun, MaxCostPerRun, l.MaxCostPerRun))
	}
	if l.MaxDurationSeconds < MinDurationSeconds || l.MaxDurationSeconds > MaxDurationSeconds {
		errs = append(errs, fmt.Errorf("max_duration_per_run must be between %d and %d seconds, got: %d",
			MinDurationSeconds, MaxDurationSeconds, l.MaxDurationSeconds))
	}
	if l.MaxTokensPerRun < MinTokensPerRun || l.MaxTokensPerRun > MaxTokensPerRun {
		errs = append(errs, fmt.Errorf("max_tokens_per_run must be between %d and %d, got: %d",
			MinTokensPerRun, MaxTokensPerRun, l.MaxTokensPerRun))
	}
	if l.MaxRunsPerHour < MinRunsPerHour || l.MaxRunsPerHour > MaxRunsPerHour {
		errs = append(errs, fmt.Errorf("max_runs_per_hour must be between %d and %d, got: %d",
			MinRunsPerHour, MaxRunsPerHour, l.MaxRunsPerHour))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidLimits, errors.Join(errs...))
	}
	return nil
}
