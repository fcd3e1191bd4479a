package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestContextValues(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSession(ctx, "session-1", "writer")
	ctx = WithPipelineRunID(ctx, "run-1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "session-1", tc.SessionID)
	assert.Equal(t, "writer", tc.AgentRef)
	assert.Equal(t, "run-1", tc.PipelineRunID)
	assert.Equal(t, "req-1", tc.RequestID)

	assert.Empty(t, GetSessionID(context.Background()))
}

func TestNewRequestContext(t *testing.T) {
	a := GetTraceID(NewRequestContext(context.Background()))
	b := GetTraceID(NewRequestContext(context.Background()))
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSession(WithTraceID(context.Background(), "trace-1"), "session-1", "writer")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"session_id":"session-1"`)
	assert.Contains(t, out, `"agent_ref":"writer"`)
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithPipelineRunID(context.Background(), "run-1"))
	detached := Detach(parent)
	cancel()

	require.NoError(t, detached.Err())
	assert.Equal(t, "run-1", GetPipelineRunID(detached))
}

func TestStartSpan(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "conductor-test"}))
	defer func() { _ = ShutdownOpenTelemetry(context.Background()) }()

	ctx, span := StartSpan(context.Background(), "test", "unit")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestSpanLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "conductor-test", SpanLogger: &logger}))

	ctx, parent := StartSpan(context.Background(), "test", "pipeline.run", attribute.String("pipeline.id", "outreach"))
	_, child := StartSpan(ctx, "test", "pipeline.step")
	child.SetStatus(codes.Error, "agent failed")
	child.End()
	parent.End()
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"span":"pipeline.run"`)
	assert.Contains(t, out, `"pipeline.id":"outreach"`)
	assert.Contains(t, out, `"span_error":"agent failed"`)
	assert.Contains(t, out, `"parent_span_id":"`+parent.SpanContext().SpanID().String()+`"`)
	assert.Contains(t, out, GetTraceID(ctx))
}

func TestInitAfterShutdown(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "a"}))
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "b"}))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "c", SampleRatio: 0.5}))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
