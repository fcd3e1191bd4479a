package executor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockConfig configures the development executor
type MockConfig struct {
	Delay time.Duration `json:"delay" mapstructure:"delay"`
}

// MockBehavior scripts one mock run
type MockBehavior struct {
	Chunks   []string
	ExitCode int
	Delay    time.Duration
	// Block keeps the run going until it is cancelled.
	Block    bool
	StartErr error
}

// MockExecutor simulates agent runs without launching anything. It backs the
// "mock" mode used for development and tests.
type MockExecutor struct {
	mu          sync.Mutex
	behave      func(inv Invocation) MockBehavior
	delay       time.Duration
	invocations []Invocation
	cancels     []Signal
}

// MockOption configures a MockExecutor
type MockOption func(*MockExecutor)

// WithMockDelay sets the simulated processing time of the default behavior
func WithMockDelay(d time.Duration) MockOption {
	return func(m *MockExecutor) {
		m.delay = d
	}
}

// WithBehavior scripts runs per invocation
func WithBehavior(fn func(inv Invocation) MockBehavior) MockOption {
	return func(m *MockExecutor) {
		m.behave = fn
	}
}

// NewMockExecutor creates a mock executor
func NewMockExecutor(opts ...MockOption) *MockExecutor {
	m := &MockExecutor{delay: 2 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	if m.behave == nil {
		m.behave = m.defaultBehavior
	}
	return m
}

func (m *MockExecutor) defaultBehavior(inv Invocation) MockBehavior {
	return MockBehavior{
		Delay: m.delay,
		Chunks: []string{
			fmt.Sprintf("Mock agent response from %s.\n", inv.AgentRef),
			fmt.Sprintf("Your message was: %q\n", inv.Input),
		},
	}
}

// Mode implements Executor
func (m *MockExecutor) Mode() Mode {
	return ModeMock
}

// Start implements Executor
func (m *MockExecutor) Start(ctx context.Context, inv Invocation, onChunk ChunkFunc) (Handle, error) {
	if err := Validate(inv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.invocations = append(m.invocations, inv)
	behave := m.behave
	m.mu.Unlock()

	b := behave(inv)
	if b.StartErr != nil {
		return nil, &StartError{Mode: ModeMock, Err: b.StartErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Mode: ModeMock, Err: err}
	}

	h := &mockHandle{
		completion: newCompletion(),
		cancel:     make(chan Signal, 1),
		owner:      m,
	}
	go h.run(b, onChunk)
	return h, nil
}

// Invocations returns every invocation that passed validation
func (m *MockExecutor) Invocations() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.invocations))
	copy(out, m.invocations)
	return out
}

// Cancels returns the signals delivered to running mock handles
func (m *MockExecutor) Cancels() []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Signal, len(m.cancels))
	copy(out, m.cancels)
	return out
}

type mockHandle struct {
	*completion
	cancel chan Signal
	owner  *MockExecutor
}

func (h *mockHandle) run(b MockBehavior, onChunk ChunkFunc) {
	start := time.Now()

	var wait <-chan time.Time
	if !b.Block {
		timer := time.NewTimer(b.Delay)
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case <-wait:
	case <-h.cancel:
		h.finish(Result{ExitCode: -1, Err: ErrCancelled, Duration: time.Since(start)})
		return
	}

	var output string
	for _, chunk := range b.Chunks {
		output += chunk
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	h.finish(Result{ExitCode: b.ExitCode, Output: output, Duration: time.Since(start)})
}

func (h *mockHandle) Cancel(sig Signal) error {
	if h.finished() {
		return nil
	}
	h.owner.mu.Lock()
	h.owner.cancels = append(h.owner.cancels, sig)
	h.owner.mu.Unlock()

	select {
	case h.cancel <- sig:
	default:
	}
	return nil
}
