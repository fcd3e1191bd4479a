package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/session"
)

type harness struct {
	sup  *Supervisor
	gov  *governor.Governor
	mock *executor.MockExecutor
	bus  *events.Bus
}

func newHarness(t *testing.T, maxConcurrent int, behave func(executor.Invocation) executor.MockBehavior, opts ...Option) *harness {
	t.Helper()

	limits := governor.DefaultLimits()
	limits.MaxConcurrentAgents = maxConcurrent
	limits.MaxRunsPerHour = 1000
	gov, err := governor.New(limits)
	require.NoError(t, err)

	mock := executor.NewMockExecutor(executor.WithBehavior(behave))
	bus := events.NewBus()
	sup := New(mock, gov, append([]Option{WithBus(bus)}, opts...)...)
	require.NoError(t, sup.Init(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &harness{sup: sup, gov: gov, mock: mock, bus: bus}
}

func quick(chunks ...string) func(executor.Invocation) executor.MockBehavior {
	return func(executor.Invocation) executor.MockBehavior {
		return executor.MockBehavior{Chunks: chunks, Delay: 5 * time.Millisecond}
	}
}

func blocking(executor.Invocation) executor.MockBehavior {
	return executor.MockBehavior{Block: true}
}

func waitFor(t *testing.T, h *harness, id string) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.sup.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func nextEvent(t *testing.T, ch <-chan events.Event, skip ...events.Type) events.Event {
	t.Helper()
	for {
		select {
		case evt := <-ch:
			skipped := false
			for _, s := range skip {
				if evt.Type == s {
					skipped = true
				}
			}
			if !skipped {
				return evt
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return events.Event{}
		}
	}
}

func TestRunAgent(t *testing.T) {
	t.Run("runs to completion and emits events in order", func(t *testing.T) {
		h := newHarness(t, 3, quick("hello ", "world"))
		ch, cancel := h.bus.Subscribe(32)
		defer cancel()

		snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "draft"})
		require.NoError(t, err)
		assert.Equal(t, session.StatusRunning, snap.Status)
		assert.Regexp(t, `^session-[0-9a-f-]+$`, snap.ID)
		require.NotNil(t, snap.Deadline)

		final := waitFor(t, h, snap.ID)
		assert.Equal(t, session.StatusCompleted, final.Status)
		assert.Equal(t, "hello world", final.Output)
		require.NotNil(t, final.ExitCode)
		assert.Equal(t, 0, *final.ExitCode)
		assert.Empty(t, final.Error)

		running := nextEvent(t, ch, events.SessionOutput)
		assert.Equal(t, events.StatusRunning, running.Type)
		assert.Equal(t, snap.ID, running.SessionID)
		assert.Equal(t, "writer", running.AgentRef)

		completed := nextEvent(t, ch, events.SessionOutput)
		assert.Equal(t, events.StatusCompleted, completed.Type)

		assert.Equal(t, 0, h.gov.Active())
	})

	t.Run("caller supplied session id is kept", func(t *testing.T) {
		h := newHarness(t, 3, quick("ok"))
		snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "my-session_1"})
		require.NoError(t, err)
		assert.Equal(t, "my-session_1", snap.ID)
		assert.Equal(t, "my-session_1", h.mock.Invocations()[0].SessionID)
	})

	t.Run("malformed session id never reaches the executor", func(t *testing.T) {
		h := newHarness(t, 3, quick("ok"))

		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "; rm -rf /"})
		require.Error(t, err)
		assert.ErrorIs(t, err, executor.ErrValidation)
		assert.Empty(t, h.mock.Invocations())
		assert.Equal(t, 0, h.gov.Active())
		assert.Equal(t, 0, h.gov.Snapshot().StartsInWindow)
	})

	t.Run("oversized input is rejected", func(t *testing.T) {
		h := newHarness(t, 3, quick("ok"))
		big := make([]byte, executor.MaxInputLength+1)
		for i := range big {
			big[i] = 'a'
		}

		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: string(big)})
		assert.ErrorIs(t, err, executor.ErrValidation)
	})

	t.Run("unknown agent is rejected", func(t *testing.T) {
		registry, err := agents.NewRegistry(agents.Definition{ID: "writer"})
		require.NoError(t, err)
		h := newHarness(t, 3, quick("ok"), WithAgents(registry))

		_, err = h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "ghost", Input: "x"})
		assert.ErrorIs(t, err, agents.ErrAgentNotFound)
		assert.Empty(t, h.mock.Invocations())
	})

	t.Run("duplicate active session id is rejected", func(t *testing.T) {
		h := newHarness(t, 3, blocking)
		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "dup"})
		require.NoError(t, err)

		_, err = h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "dup"})
		assert.ErrorIs(t, err, executor.ErrValidation)
		assert.Equal(t, 1, h.gov.Active())
	})

	t.Run("start failure is reported as failed and frees the slot", func(t *testing.T) {
		h := newHarness(t, 1, func(executor.Invocation) executor.MockBehavior {
			return executor.MockBehavior{StartErr: errors.New("exec: openclaw not found")}
		})
		ch, cancel := h.bus.Subscribe(8)
		defer cancel()

		snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, snap.Status)
		assert.Contains(t, snap.Error, "openclaw not found")
		assert.Nil(t, snap.StartedAt)

		evt := nextEvent(t, ch)
		assert.Equal(t, events.StatusFailed, evt.Type)
		assert.Contains(t, evt.Error, "executor start failed")
		assert.Equal(t, 0, h.gov.Active())
	})

	t.Run("non-zero exit is failed", func(t *testing.T) {
		h := newHarness(t, 3, func(executor.Invocation) executor.MockBehavior {
			return executor.MockBehavior{ExitCode: 2, Chunks: []string{"bad input"}}
		})

		snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
		require.NoError(t, err)

		final := waitFor(t, h, snap.ID)
		assert.Equal(t, session.StatusFailed, final.Status)
		assert.Contains(t, final.Error, "exit status 2")
		assert.Equal(t, "bad input", final.Output)
	})

	t.Run("not initialized", func(t *testing.T) {
		gov, err := governor.New(governor.DefaultLimits())
		require.NoError(t, err)
		sup := New(executor.NewMockExecutor(), gov)

		_, err = sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
		assert.ErrorIs(t, err, ErrNotRunning)
	})
}

func TestConcurrencyScenario(t *testing.T) {
	h := newHarness(t, 3, func(inv executor.Invocation) executor.MockBehavior {
		if inv.SessionID == "first" {
			return executor.MockBehavior{Delay: 50 * time.Millisecond, Chunks: []string{"done"}}
		}
		return executor.MockBehavior{Block: true}
	})

	for _, id := range []string{"first", "second", "third"} {
		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: id})
		require.NoError(t, err)
	}

	_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "fourth"})
	require.Error(t, err)
	var admissionErr *governor.AdmissionError
	require.True(t, errors.As(err, &admissionErr))
	assert.Equal(t, governor.ReasonConcurrencyExceeded, admissionErr.Reason)
	assert.Equal(t, 3.0, admissionErr.Limit)
	assert.False(t, h.sup.Status("fourth").Found)

	assert.Equal(t, session.StatusCompleted, waitFor(t, h, "first").Status)

	snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "fourth"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, snap.Status)
}

func TestConcurrentRunsRespectCeiling(t *testing.T) {
	var mu sync.Mutex
	peak := 0

	limits := governor.DefaultLimits()
	limits.MaxConcurrentAgents = 4
	limits.MaxRunsPerHour = 1000
	gov, err := governor.New(limits, governor.WithObserver(func(s governor.Snapshot) {
		mu.Lock()
		if s.Active > peak {
			peak = s.Active
		}
		mu.Unlock()
	}))
	require.NoError(t, err)

	mock := executor.NewMockExecutor(executor.WithBehavior(quick("ok")))
	sup := New(mock, gov)
	require.NoError(t, sup.Init(context.Background()))
	defer sup.Shutdown(context.Background())

	var wg sync.WaitGroup
	var idsMu sync.Mutex
	var ids []string
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
			if err != nil {
				assert.ErrorIs(t, err, governor.ErrConcurrencyExceeded)
				return
			}
			idsMu.Lock()
			ids = append(ids, snap.ID)
			idsMu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		_, err := sup.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 4)
	assert.Equal(t, 0, gov.Active())
}

func TestStop(t *testing.T) {
	t.Run("unknown id has no side effect", func(t *testing.T) {
		h := newHarness(t, 3, blocking)
		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "live"})
		require.NoError(t, err)

		_, err = h.sup.Stop(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.Equal(t, 1, h.gov.Active())
		assert.Equal(t, session.StatusRunning, h.sup.Status("live").Session.Status)
	})

	t.Run("stop twice never double releases", func(t *testing.T) {
		h := newHarness(t, 2, blocking)
		ch, cancel := h.bus.Subscribe(16)
		defer cancel()

		_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "a"})
		require.NoError(t, err)
		_, err = h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x", SessionID: "b"})
		require.NoError(t, err)
		require.Equal(t, 2, h.gov.Active())

		snap, err := h.sup.Stop(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, session.StatusStopped, snap.Status)
		assert.Equal(t, 1, h.gov.Active())

		_, err = h.sup.Stop(context.Background(), "a")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.Equal(t, 1, h.gov.Active())

		assert.Equal(t, events.StatusRunning, nextEvent(t, ch).Type)
		assert.Equal(t, events.StatusRunning, nextEvent(t, ch).Type)
		stopped := nextEvent(t, ch)
		assert.Equal(t, events.StatusStopped, stopped.Type)
		assert.Equal(t, "a", stopped.SessionID)

		// the cancelled executor finishing later does not change the record
		require.Eventually(t, func() bool { return len(h.mock.Cancels()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, session.StatusStopped, waitFor(t, h, "a").Status)
		assert.Equal(t, executor.SignalTerminate, h.mock.Cancels()[0])
	})
}

func TestStopAll(t *testing.T) {
	t.Run("nothing active", func(t *testing.T) {
		h := newHarness(t, 3, blocking)
		result := h.sup.StopAll(context.Background())
		assert.Equal(t, 0, result.StoppedCount)
		assert.Equal(t, 0, result.TotalCount)
	})

	t.Run("stops every active session", func(t *testing.T) {
		h := newHarness(t, 3, blocking)
		for i := 0; i < 3; i++ {
			_, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
			require.NoError(t, err)
		}

		result := h.sup.StopAll(context.Background())
		assert.Equal(t, 3, result.StoppedCount)
		assert.Equal(t, 3, result.TotalCount)
		assert.Equal(t, 0, h.gov.Active())
		assert.Empty(t, h.sup.List())

		again := h.sup.StopAll(context.Background())
		assert.Equal(t, 0, again.TotalCount)
	})

	t.Run("races with natural completion", func(t *testing.T) {
		h := newHarness(t, 10, func(executor.Invocation) executor.MockBehavior {
			return executor.MockBehavior{Delay: time.Millisecond}
		})

		var ids []string
		for i := 0; i < 10; i++ {
			snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
			require.NoError(t, err)
			ids = append(ids, snap.ID)
		}

		result := h.sup.StopAll(context.Background())
		assert.LessOrEqual(t, result.StoppedCount, result.TotalCount)

		stopped := 0
		for _, id := range ids {
			final := waitFor(t, h, id)
			assert.True(t, final.Status == session.StatusStopped || final.Status == session.StatusCompleted, final.Status)
			if final.Status == session.StatusStopped {
				stopped++
			}
		}
		assert.Equal(t, result.StoppedCount, stopped)
		assert.Equal(t, 0, h.gov.Active())
	})
}

func TestTimeout(t *testing.T) {
	registry, err := agents.NewRegistry(agents.Definition{ID: "slow", MaxDurationSeconds: 1})
	require.NoError(t, err)
	h := newHarness(t, 3, blocking, WithAgents(registry))
	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "slow", Input: "x"})
	require.NoError(t, err)
	require.NotNil(t, snap.Deadline)
	assert.Equal(t, time.Second, snap.Deadline.Sub(*snap.StartedAt))

	final := waitFor(t, h, snap.ID)
	assert.Equal(t, session.StatusTimedOut, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.GreaterOrEqual(t, final.CompletedAt.Sub(*final.StartedAt), time.Second)
	assert.Contains(t, final.Error, "deadline exceeded")
	assert.Contains(t, final.Error, "of 1s allowed")
	assert.Equal(t, 0, h.gov.Active())

	assert.Equal(t, events.StatusRunning, nextEvent(t, ch).Type)
	assert.Equal(t, events.StatusTimedOut, nextEvent(t, ch).Type)

	require.Eventually(t, func() bool { return len(h.mock.Cancels()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 3, quick("ok"))

	unknown := h.sup.Status("nope")
	assert.False(t, unknown.Found)
	assert.Equal(t, session.StatusUnknown, unknown.Session.Status)

	snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
	require.NoError(t, err)
	waitFor(t, h, snap.ID)

	result := h.sup.Status(snap.ID)
	assert.True(t, result.Found)
	assert.Equal(t, session.StatusCompleted, result.Session.Status)
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, 3, quick("ok"), WithHistorySize(2))

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
		require.NoError(t, err)
		waitFor(t, h, snap.ID)
		ids = append(ids, snap.ID)
	}

	assert.False(t, h.sup.Status(ids[0]).Found)
	assert.True(t, h.sup.Status(ids[1]).Found)
	assert.True(t, h.sup.Status(ids[2]).Found)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, 3, blocking)
	snap, err := h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	assert.Equal(t, session.StatusStopped, h.sup.Status(snap.ID).Session.Status)
	assert.Equal(t, 0, h.gov.Active())

	_, err = h.sup.RunAgent(context.Background(), RunRequest{AgentRef: "writer", Input: "x"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, h.sup.Init(context.Background()), ErrNotRunning)
}
