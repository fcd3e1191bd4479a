// Package executor bridges the orchestrator to the opaque external agent
// runtime. Every mode validates its invocation first and passes arguments as
// structured values; nothing is ever assembled into a shell command line.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects how agent runs are executed
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeGateway Mode = "gateway"
	ModeMock    Mode = "mock"
)

// Signal is a termination request passed to Cancel
type Signal string

const (
	SignalTerminate Signal = "SIGTERM"
	SignalKill      Signal = "SIGKILL"
)

// Invocation is one request to run an agent
type Invocation struct {
	SessionID string
	AgentRef  string
	Input     string
}

// ChunkFunc receives output as it streams
type ChunkFunc func(chunk string)

// Result is how an execution ended. A non-zero exit code is a failed result,
// not an error.
type Result struct {
	ExitCode int
	Output   string
	Err      error
	Duration time.Duration
}

// Failed reports whether the run did not succeed
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.Err != nil
}

// FailureReason describes a failed result for session records
func (r Result) FailureReason() string {
	if !r.Failed() {
		return ""
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("%v: exit status %d", ErrRuntimeFailed, r.ExitCode)
}

// Handle is a running execution
type Handle interface {
	// Done is closed when the execution has ended.
	Done() <-chan struct{}
	// Result is valid once Done is closed.
	Result() Result
	// Cancel requests termination. Cancelling a finished handle is a no-op.
	Cancel(sig Signal) error
}

// Executor launches agent runs
type Executor interface {
	Mode() Mode
	// Start launches inv and returns without waiting for it to finish. ctx
	// bounds the launch only; use Handle.Cancel to stop the run.
	Start(ctx context.Context, inv Invocation, onChunk ChunkFunc) (Handle, error)
}

// Await blocks until h finishes or ctx is done
func Await(ctx context.Context, h Handle) (Result, error) {
	select {
	case <-h.Done():
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Config selects and configures an executor mode
type Config struct {
	Mode    Mode          `json:"mode" mapstructure:"mode"`
	Local   LocalConfig   `json:"local" mapstructure:"local"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Mock    MockConfig    `json:"mock" mapstructure:"mock"`
}

// New builds the executor for cfg.Mode
func New(cfg Config, logger zerolog.Logger) (Executor, error) {
	switch cfg.Mode {
	case ModeLocal, "":
		return NewLocalExecutor(cfg.Local, logger), nil
	case ModeGateway:
		return NewGatewayExecutor(cfg.Gateway, logger)
	case ModeMock:
		return NewMockExecutor(WithMockDelay(cfg.Mock.Delay)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// completion is the shared Done/Result half of every handle
type completion struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	result Result
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) finish(r Result) bool {
	finished := false
	c.once.Do(func() {
		c.mu.Lock()
		c.result = r
		c.mu.Unlock()
		close(c.done)
		finished = true
	})
	return finished
}

func (c *completion) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *completion) Done() <-chan struct{} {
	return c.done
}

func (c *completion) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}
