package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the tracing fields found in ctx to logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.SessionID == "" && tc.PipelineRunID == "" && tc.RequestID == "" {
		return logger
	}

	c := logger.With()
	if tc.TraceID != "" {
		c = c.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		c = c.Str("session_id", tc.SessionID)
	}
	if tc.AgentRef != "" {
		c = c.Str("agent_ref", tc.AgentRef)
	}
	if tc.PipelineRunID != "" {
		c = c.Str("pipeline_run_id", tc.PipelineRunID)
	}
	if tc.RequestID != "" {
		c = c.Str("request_id", tc.RequestID)
	}
	return c.Logger()
}

// Detach returns a background context carrying the tracing values of ctx.
// Work that outlives a request uses it so cancelling the request does not
// cancel the work.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := WithTraceID(context.Background(), tc.TraceID)
	out = WithSession(out, tc.SessionID, tc.AgentRef)
	out = WithPipelineRunID(out, tc.PipelineRunID)
	return WithRequestID(out, tc.RequestID)
}
