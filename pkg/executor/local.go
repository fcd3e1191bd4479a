package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/session"
)

const defaultKillGrace = 5 * time.Second

// LocalConfig configures the local-process executor
type LocalConfig struct {
	// Binary is the agent runtime executable.
	Binary string `json:"binary" mapstructure:"binary"`
	// BaseArgs are placed before the agent arguments, e.g. to route through
	// a wrapper such as wsl.exe.
	BaseArgs  []string          `json:"base_args,omitempty" mapstructure:"base_args"`
	WorkDir   string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env       map[string]string `json:"env,omitempty" mapstructure:"env"`
	KillGrace time.Duration     `json:"kill_grace" mapstructure:"kill_grace"`
	JSON      bool              `json:"json_output" mapstructure:"json_output"`
}

// DefaultLocalConfig returns the settings for an agent runtime on PATH
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Binary:    "openclaw",
		KillGrace: defaultKillGrace,
		JSON:      true,
	}
}

// LocalExecutor runs each agent as a child process
type LocalExecutor struct {
	cfg    LocalConfig
	logger zerolog.Logger
}

// NewLocalExecutor creates a local-process executor
func NewLocalExecutor(cfg LocalConfig, logger zerolog.Logger) *LocalExecutor {
	if cfg.Binary == "" {
		cfg.Binary = DefaultLocalConfig().Binary
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &LocalExecutor{cfg: cfg, logger: logger}
}

// Mode implements Executor
func (e *LocalExecutor) Mode() Mode {
	return ModeLocal
}

// Args returns the argument vector for inv. Each value is its own element.
func (e *LocalExecutor) Args(inv Invocation) []string {
	args := make([]string, 0, len(e.cfg.BaseArgs)+9)
	args = append(args, e.cfg.BaseArgs...)
	args = append(args,
		"agent",
		"--agent", inv.AgentRef,
		"--local",
		"--session-id", inv.SessionID,
		"--message", inv.Input,
	)
	if e.cfg.JSON {
		args = append(args, "--json")
	}
	return args
}

// Start implements Executor
func (e *LocalExecutor) Start(ctx context.Context, inv Invocation, onChunk ChunkFunc) (Handle, error) {
	if err := Validate(inv); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Mode: ModeLocal, Err: err}
	}

	args := e.Args(inv)
	cmd := exec.Command(e.cfg.Binary, args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = e.buildEnvironment()
	cmd.WaitDelay = e.cfg.KillGrace

	out := newStreamWriter(onChunk)
	cmd.Stdout = out
	cmd.Stderr = out

	h := &localHandle{
		completion: newCompletion(),
		cmd:        cmd,
		grace:      e.cfg.KillGrace,
		logger:     e.logger.With().Str("session_id", inv.SessionID).Str("agent_ref", inv.AgentRef).Logger(),
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Mode: ModeLocal, Err: err}
	}

	e.logger.Debug().
		Str("command", e.cfg.Binary).
		Str("session_id", inv.SessionID).
		Str("agent_ref", inv.AgentRef).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process started")

	go h.wait(start, out)
	return h, nil
}

// buildEnvironment keeps the child environment minimal
func (e *LocalExecutor) buildEnvironment() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	env := []string{"PATH=" + path}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}

	keys := make([]string, 0, len(e.cfg.Env))
	for key := range e.cfg.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, e.cfg.Env[key]))
	}
	return env
}

type localHandle struct {
	*completion
	cmd    *exec.Cmd
	grace  time.Duration
	logger zerolog.Logger

	cancelMu  sync.Mutex
	cancelled bool
}

func (h *localHandle) wait(start time.Time, out *streamWriter) {
	err := h.cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	if err != nil {
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := Result{
		ExitCode: exitCode,
		Output:   out.String(),
		Duration: duration,
	}

	h.cancelMu.Lock()
	cancelled := h.cancelled
	h.cancelMu.Unlock()

	switch {
	case cancelled:
		result.Err = ErrCancelled
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
	case err != nil && exitErr == nil:
		result.Err = fmt.Errorf("%w: %v", ErrRuntimeFailed, err)
	}

	h.logger.Debug().
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Bool("cancelled", cancelled).
		Msg("Agent process exited")

	h.finish(result)
}

// Cancel sends sig to the process. SIGTERM escalates to a kill if the
// process is still alive after the grace period.
func (h *localHandle) Cancel(sig Signal) error {
	if h.finished() {
		return nil
	}

	h.cancelMu.Lock()
	first := !h.cancelled
	h.cancelled = true
	h.cancelMu.Unlock()

	proc := h.cmd.Process
	if sig == SignalKill {
		return ignoreFinished(proc.Kill())
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return ignoreFinished(proc.Kill())
	}

	if first {
		go func() {
			select {
			case <-h.Done():
			case <-time.After(h.grace):
				h.logger.Warn().Dur("grace", h.grace).Msg("Agent process ignored SIGTERM, killing")
				_ = proc.Kill()
			}
		}()
	}
	return nil
}

func ignoreFinished(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// streamWriter collects stdout and stderr and forwards each write as a
// chunk. Only the last session.MaxOutputBytes are kept for the result.
type streamWriter struct {
	mu      sync.Mutex
	buf     *session.OutputBuffer
	onChunk ChunkFunc
}

func newStreamWriter(onChunk ChunkFunc) *streamWriter {
	return &streamWriter{buf: session.NewOutputBuffer(session.MaxOutputBytes), onChunk: onChunk}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chunk := string(p)
	w.buf.Write(chunk)
	if w.onChunk != nil {
		w.onChunk(chunk)
	}
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
