package pipeline

import "errors"

var (
	// ErrPipelineNotFound is returned for an unknown pipeline id
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrRunNotFound is returned for an unknown pipeline run id
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrInvalidDefinition wraps every definition validation failure
	ErrInvalidDefinition = errors.New("invalid pipeline definition")

	// ErrRunCancelled is recorded on runs ended by Cancel
	ErrRunCancelled = errors.New("cancelled")

	// ErrSchedulerClosed is returned by Start after Shutdown
	ErrSchedulerClosed = errors.New("pipeline scheduler is shut down")
)
