package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the agent session id
	SessionIDKey ContextKey = "session_id"
	// AgentRefKey is the context key for the agent reference
	AgentRefKey ContextKey = "agent_ref"
	// PipelineRunIDKey is the context key for the pipeline run id
	PipelineRunIDKey ContextKey = "pipeline_run_id"
	// RequestIDKey is the context key for request ID (for idempotency)
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	SessionID     string
	AgentRef      string
	PipelineRunID string
	RequestID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithSession adds the session id and agent reference to the context
func WithSession(ctx context.Context, sessionID, agentRef string) context.Context {
	return withValue(withValue(ctx, SessionIDKey, sessionID), AgentRefKey, agentRef)
}

// WithPipelineRunID adds a pipeline run id to the context
func WithPipelineRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, PipelineRunIDKey, runID)
}

// WithRequestID adds a request ID to the context for idempotency
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getValue(ctx, TraceIDKey)
}

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string {
	return getValue(ctx, SessionIDKey)
}

// GetPipelineRunID retrieves the pipeline run id from the context
func GetPipelineRunID(ctx context.Context) string {
	return getValue(ctx, PipelineRunIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return getValue(ctx, RequestIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		SessionID:     GetSessionID(ctx),
		AgentRef:      getValue(ctx, AgentRefKey),
		PipelineRunID: GetPipelineRunID(ctx),
		RequestID:     GetRequestID(ctx),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
