package session

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusStopped, true},
		{StatusTimedOut, true},
		{StatusUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestTransition(t *testing.T) {
	t.Run("running stamps started at", func(t *testing.T) {
		s := New("s1", "agent", "hello")
		now := time.Now()

		require.NoError(t, s.Transition(StatusRunning, now))
		require.NotNil(t, s.StartedAt)
		assert.Equal(t, now, *s.StartedAt)
		assert.Nil(t, s.CompletedAt)
	})

	t.Run("terminal stamps completed at", func(t *testing.T) {
		s := New("s1", "agent", "hello")
		start := time.Now()
		require.NoError(t, s.Transition(StatusRunning, start))
		require.NoError(t, s.Transition(StatusCompleted, start.Add(time.Second)))

		snap := s.Snapshot()
		assert.Equal(t, StatusCompleted, snap.Status)
		assert.Equal(t, time.Second, snap.Elapsed())
	})

	t.Run("pending can be stopped before it runs", func(t *testing.T) {
		s := New("s1", "agent", "hello")
		require.NoError(t, s.Transition(StatusStopped, time.Now()))
		assert.Nil(t, s.StartedAt)
		assert.NotNil(t, s.CompletedAt)
	})

	t.Run("pending cannot time out", func(t *testing.T) {
		s := New("s1", "agent", "hello")
		err := s.Transition(StatusTimedOut, time.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusPending, s.Status)
	})

	t.Run("terminal states have no exits", func(t *testing.T) {
		for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut} {
			s := New("s1", "agent", "hello")
			require.NoError(t, s.Transition(StatusRunning, time.Now()))
			require.NoError(t, s.Transition(terminal, time.Now()))

			for _, next := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut} {
				assert.ErrorIs(t, s.Transition(next, time.Now()), ErrInvalidTransition, "%s -> %s", terminal, next)
			}
			assert.Equal(t, terminal, s.Status)
		}
	})
}

func TestTransitionProperty(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped, StatusTimedOut}

	rapid.Check(t, func(rt *rapid.T) {
		s := New("s1", "agent", "hello")
		steps := rapid.SliceOfN(rapid.SampledFrom(all), 1, 12).Draw(rt, "steps")

		sawTerminal := false
		for _, next := range steps {
			before := s.Status
			err := s.Transition(next, time.Now())
			if sawTerminal && err == nil {
				rt.Fatalf("left terminal state %s for %s", before, next)
			}
			if s.Status.IsTerminal() {
				sawTerminal = true
			}
		}
		if s.Status.IsTerminal() && s.CompletedAt == nil {
			rt.Fatalf("terminal session without completedAt")
		}
	})
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New("s1", "agent", "hello")
	require.NoError(t, s.Transition(StatusRunning, time.Now()))
	s.SetDeadline(time.Minute)
	s.AppendOutput("first ")

	snap := s.Snapshot()
	s.AppendOutput("second")
	*s.StartedAt = s.StartedAt.Add(time.Hour)

	assert.Equal(t, "first ", snap.Output)
	assert.NotEqual(t, *s.StartedAt, *snap.StartedAt)
	require.NotNil(t, snap.Deadline)
	assert.Equal(t, time.Minute, snap.Deadline.Sub(*snap.StartedAt))
}

func TestUnknown(t *testing.T) {
	snap := Unknown("missing")
	assert.Equal(t, "missing", snap.ID)
	assert.Equal(t, StatusUnknown, snap.Status)
}

func TestOutputBuffer(t *testing.T) {
	t.Run("keeps everything under the limit", func(t *testing.T) {
		b := NewOutputBuffer(16)
		b.Write("hello ")
		b.Write("world")
		assert.Equal(t, "hello world", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("keeps the tail past the limit", func(t *testing.T) {
		b := NewOutputBuffer(8)
		b.Write(strings.Repeat("a", 6))
		b.Write("bbbbbb")
		assert.Equal(t, "aabbbbbb", b.String())
		assert.Equal(t, 8, b.Len())
		assert.True(t, b.Truncated())
	})

	t.Run("cuts on a rune boundary", func(t *testing.T) {
		b := NewOutputBuffer(4)
		b.Write("héllo wörld")
		assert.Equal(t, "rld", b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("stays valid utf-8 within the limit", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			limit := rapid.IntRange(1, 32).Draw(rt, "limit")
			chunks := rapid.SliceOfN(rapid.String(), 1, 8).Draw(rt, "chunks")

			b := NewOutputBuffer(limit)
			for _, chunk := range chunks {
				b.Write(chunk)
			}
			if !utf8.ValidString(b.String()) {
				rt.Fatalf("invalid utf-8 tail %q", b.String())
			}
			if b.Len() > limit {
				rt.Fatalf("kept %d bytes over limit %d", b.Len(), limit)
			}
		})
	})
}
