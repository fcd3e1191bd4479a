package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an invocation fails input validation
	ErrValidation = errors.New("validation failed")

	// ErrStartFailed is returned when the external executor could not be launched
	ErrStartFailed = errors.New("executor start failed")

	// ErrRuntimeFailed marks a run that started but ended in failure
	ErrRuntimeFailed = errors.New("executor runtime failed")

	// ErrCancelled marks a run ended by Cancel
	ErrCancelled = errors.New("execution cancelled")

	// ErrUnknownMode is returned for an unsupported executor mode
	ErrUnknownMode = errors.New("unknown executor mode")
)

// ValidationError describes which part of an invocation was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StartError wraps the cause of a failed launch
type StartError struct {
	Mode Mode
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("executor start failed (%s): %v", e.Mode, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

func (e *StartError) Is(target error) bool {
	return target == ErrStartFailed
}
