package gateway

import (
	"errors"

	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/supervisor"
)

// AdmissionData is attached to AdmissionRejected errors
type AdmissionData struct {
	Reason            string  `json:"reason"`
	Limit             float64 `json:"limit"`
	Current           float64 `json:"current"`
	RetryAfterSeconds int     `json:"retryAfterSeconds,omitempty"`
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: msg}
}

// toRPCError maps engine errors onto RPC error codes
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var admission *governor.AdmissionError
	if errors.As(err, &admission) {
		return &RPCError{
			Code:    AdmissionRejected,
			Message: err.Error(),
			Data: AdmissionData{
				Reason:            string(admission.Reason),
				Limit:             admission.Limit,
				Current:           admission.Current,
				RetryAfterSeconds: int(admission.RetryAfter.Seconds()),
			},
		}
	}

	switch {
	case errors.Is(err, executor.ErrValidation),
		errors.Is(err, pipeline.ErrInvalidDefinition),
		errors.Is(err, cron.ErrInvalidJob):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	case errors.Is(err, supervisor.ErrSessionNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, pipeline.ErrRunNotFound),
		errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, cron.ErrJobNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, pipeline.ErrSchedulerClosed):
		return &RPCError{Code: ShuttingDown, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// fromRPCError turns a response error back into the matching sentinel so
// callers of Client can use errors.Is.
func fromRPCError(rpcErr *RPCError) error {
	switch rpcErr.Code {
	case AdmissionRejected:
		return &RemoteError{RPCError: rpcErr, kind: governor.ErrAdmissionRejected}
	case InvalidParams:
		return &RemoteError{RPCError: rpcErr, kind: executor.ErrValidation}
	case NotFound:
		return &RemoteError{RPCError: rpcErr, kind: errNotFound}
	}
	return &RemoteError{RPCError: rpcErr}
}

var errNotFound = errors.New("not found")

// IsNotFound reports whether err is a not-found answer from the gateway
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// RemoteError is an RPC error returned by the daemon
type RemoteError struct {
	*RPCError
	kind error
}

func (e *RemoteError) Error() string {
	return e.RPCError.Message
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}
