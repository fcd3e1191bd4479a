package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/pipeline"
)

func openTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHistorySessions(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.Handle(ctx, events.Event{Type: events.StatusRunning, SessionID: "s1", AgentRef: "writer", Timestamp: ts}))
	require.NoError(t, h.Handle(ctx, events.Event{Type: events.SessionOutput, SessionID: "s1", Chunk: "partial"}))
	require.NoError(t, h.Handle(ctx, events.Event{Type: events.StatusTimedOut, SessionID: "s1", AgentRef: "writer",
		Error: "deadline exceeded", Timestamp: ts.Add(time.Minute)}))

	rec, err := h.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "timed_out", rec.Status)
	assert.Equal(t, "deadline exceeded", rec.Error)
	assert.Equal(t, ts.Add(time.Minute), rec.UpdatedAt)

	evts, err := h.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.StatusRunning, evts[0].Type)
	assert.Equal(t, events.StatusTimedOut, evts[1].Type)

	_, err = h.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryRuns(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	run := pipeline.Run{
		ID:         "run-a",
		PipelineID: "outreach",
		Status:     pipeline.RunRunning,
		Trigger:    pipeline.TriggerCron,
		TotalSteps: 2,
		StartedAt:  started,
		Context:    map[string]interface{}{"region": "emea"},
		Steps: []pipeline.StepRun{
			{StepIndex: 0, StepName: "scout", AgentRef: "lead-scout", Status: pipeline.StepRunning, SessionID: "pipeline-run-a-0"},
			{StepIndex: 1, StepName: "step_1", AgentRef: "writer", Status: pipeline.StepPending},
		},
	}
	require.NoError(t, h.SaveRun(ctx, run))

	done := started.Add(2 * time.Minute)
	run.Status = pipeline.RunCompleted
	run.CompletedAt = &done
	run.Steps[0].Status = pipeline.StepCompleted
	run.Steps[0].OutputSummary = pipeline.Summary{"text": "ok"}
	require.NoError(t, h.SaveRun(ctx, run))

	later := run
	later.ID = "run-b"
	later.StartedAt = started.Add(time.Hour)
	require.NoError(t, h.SaveRun(ctx, later))

	got, err := h.GetRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, got.Status)
	assert.Equal(t, pipeline.TriggerCron, got.Trigger)
	assert.Equal(t, "ok", got.Steps[0].OutputSummary["text"])
	assert.Equal(t, map[string]interface{}{"region": "emea"}, got.Context)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	_, err = h.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)

	runs, err := h.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].ID)
	assert.Equal(t, "run-a", runs[1].ID)
}
