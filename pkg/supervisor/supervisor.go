// Package supervisor owns every active agent session: it admits runs through
// the safety governor, drives the session state machine from executor
// results, deadlines and stop requests, and implements the kill switch.
//
// Invariants:
//   - A session's concurrency slot is released exactly once, by its first
//     terminal transition.
//   - Transitions for one session id are serialized under the supervisor lock.
//   - Events for one session are published in transition order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/session"
)

const (
	tracerName         = "conductor/supervisor"
	defaultHistorySize = 512
)

// Admitter is the admission control the supervisor depends on
type Admitter interface {
	Admit(req governor.Request) (governor.Token, error)
	Release(token governor.Token) bool
}

// AgentResolver maps agent references to definitions
type AgentResolver interface {
	Resolve(ref string) (agents.Definition, error)
}

// RunRequest asks for one agent run
type RunRequest struct {
	AgentRef      string  `json:"agentRef"`
	Input         string  `json:"input"`
	SessionID     string  `json:"sessionId,omitempty"`
	EstimatedCost float64 `json:"estimatedCost,omitempty"`
}

// StatusResult is the answer to Status. Found is false for unknown ids.
type StatusResult struct {
	Found   bool             `json:"found"`
	Session session.Snapshot `json:"session"`
}

// KillResult reports a kill switch invocation
type KillResult struct {
	StoppedCount int       `json:"stoppedCount"`
	TotalCount   int       `json:"totalCount"`
	Timestamp    time.Time `json:"timestamp"`
}

type entry struct {
	sess   *session.Session
	token  governor.Token
	handle executor.Handle
	timer  *time.Timer
	done   chan struct{}
}

// Supervisor is safe for concurrent use
type Supervisor struct {
	exec          executor.Executor
	gov           Admitter
	agents        AgentResolver
	bus           *events.Bus
	logger        zerolog.Logger
	historySize   int
	publishOutput bool

	mu           sync.Mutex
	active       map[string]*entry
	history      map[string]session.Snapshot
	historyOrder []string
	running      bool
	shutdown     bool
	monitors     sync.WaitGroup
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithBus publishes session events on bus
func WithBus(bus *events.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithAgents resolves agent references against resolver
func WithAgents(resolver AgentResolver) Option {
	return func(s *Supervisor) {
		s.agents = resolver
	}
}

// WithHistorySize bounds how many terminated sessions stay queryable
func WithHistorySize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithOutputEvents toggles session:output events for streamed chunks
func WithOutputEvents(enabled bool) Option {
	return func(s *Supervisor) {
		s.publishOutput = enabled
	}
}

type openResolver struct{}

func (openResolver) Resolve(ref string) (agents.Definition, error) {
	return agents.Definition{ID: ref}, nil
}

// New creates a supervisor. Call Init before running agents.
func New(exec executor.Executor, gov Admitter, opts ...Option) *Supervisor {
	s := &Supervisor{
		exec:          exec,
		gov:           gov,
		agents:        openResolver{},
		bus:           events.NewBus(),
		logger:        zerolog.Nop(),
		historySize:   defaultHistorySize,
		publishOutput: true,
		active:        make(map[string]*entry),
		history:       make(map[string]session.Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init starts accepting runs
func (s *Supervisor) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return fmt.Errorf("%w: already shut down", ErrNotRunning)
	}
	s.running = true
	observability.SetActiveSessions(len(s.active))
	s.logger.Info().Str("executor_mode", string(s.exec.Mode())).Msg("Session supervisor started")
	return nil
}

// Shutdown stops accepting runs, stops every active session and waits for
// their executors to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.shutdown = true
	s.mu.Unlock()

	result := s.StopAll(ctx)
	s.logger.Info().
		Int("stopped", result.StoppedCount).
		Int("total", result.TotalCount).
		Msg("Session supervisor shutting down")

	done := make(chan struct{})
	go func() {
		s.monitors.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to exit: %w", ctx.Err())
	}
}

// Bus returns the event bus session events are published on
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// Subscribe is shorthand for Bus().Subscribe
func (s *Supervisor) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// NewSessionID returns a generated session id
func NewSessionID() string {
	return "session-" + uuid.NewString()
}

// RunAgent validates and admits req, then starts the executor. Validation and
// admission errors are returned and leave no trace. Once admitted, every
// outcome (including a failed launch) is reported through the returned
// snapshot and the event stream.
func (s *Supervisor) RunAgent(ctx context.Context, req RunRequest) (session.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "supervisor.run_agent",
		attribute.String("agent.ref", req.AgentRef))
	defer span.End()

	id := req.SessionID
	if id == "" {
		id = NewSessionID()
	}
	inv := executor.Invocation{SessionID: id, AgentRef: req.AgentRef, Input: req.Input}
	if err := executor.Validate(inv); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return session.Snapshot{}, err
	}

	def, err := s.agents.Resolve(req.AgentRef)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return session.Snapshot{}, err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return session.Snapshot{}, ErrNotRunning
	}
	if _, exists := s.active[id]; exists {
		s.mu.Unlock()
		return session.Snapshot{}, &executor.ValidationError{Field: "session id", Reason: id + " is already active"}
	}

	token, err := s.gov.Admit(governor.Request{
		AgentRef:      req.AgentRef,
		SessionID:     id,
		EstimatedCost: req.EstimatedCost,
		MaxDuration:   def.MaxDuration(),
	})
	if err != nil {
		s.mu.Unlock()
		s.recordRejection(ctx, id, req.AgentRef, err)
		span.SetStatus(codes.Error, err.Error())
		return session.Snapshot{}, err
	}
	observability.RecordAdmission(true, "")

	sess := session.New(id, req.AgentRef, req.Input)
	sess.CostCeiling = token.CostCeiling
	e := &entry{sess: sess, token: token, done: make(chan struct{})}
	s.active[id] = e
	observability.SetActiveSessions(len(s.active))
	s.mu.Unlock()

	span.SetAttributes(attribute.String("session.id", id))
	logger := tracing.LoggerFromContext(tracing.WithSession(ctx, id, req.AgentRef), s.logger)

	handle, err := s.exec.Start(tracing.WithSession(ctx, id, req.AgentRef), inv, s.chunkHandler(e))
	if err != nil {
		logger.Error().Err(err).Msg("Agent executor failed to start")
		span.SetStatus(codes.Error, err.Error())
		snap, _, _ := s.finish(e, session.StatusFailed, err.Error(), nil)
		return snap, nil
	}

	s.mu.Lock()
	if e.sess.Status != session.StatusPending {
		// stopped while the executor was launching
		snap := e.sess.Snapshot()
		s.mu.Unlock()
		_ = handle.Cancel(executor.SignalTerminate)
		return snap, nil
	}
	e.handle = handle
	_ = e.sess.Transition(session.StatusRunning, time.Now())
	e.sess.SetDeadline(token.MaxDuration)
	e.timer = time.AfterFunc(token.MaxDuration, func() { s.expire(e) })
	s.monitors.Add(1)
	snap := e.sess.Snapshot()
	s.publishLocked(events.StatusRunning, snap)
	s.mu.Unlock()

	go s.monitor(e, handle)

	logger.Info().
		Dur("max_duration", token.MaxDuration).
		Float64("cost_ceiling", token.CostCeiling).
		Msg("Session running")
	return snap, nil
}

// Stop cancels an active session and marks it stopped
func (s *Supervisor) Stop(ctx context.Context, id string) (session.Snapshot, error) {
	snap, err := s.stop(id, "stopped by request")
	if err == nil {
		observability.RecordSessionAudit(ctx, "stop", id, "success", nil)
	}
	return snap, err
}

func (s *Supervisor) stop(id, reason string) (session.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	snap, handle, ok := s.finish(e, session.StatusStopped, reason, nil)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if handle != nil {
		if err := handle.Cancel(executor.SignalTerminate); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Cancel request failed")
		}
	}

	s.logger.Info().Str("session_id", id).Str("agent_ref", snap.AgentRef).Str("reason", reason).Msg("Session stopped")
	return snap, nil
}

// StopAll is the kill switch. It stops every session active at the time of
// the call, each independently, and never fails.
func (s *Supervisor) StopAll(ctx context.Context) KillResult {
	ctx, span := tracing.StartSpan(ctx, tracerName, "supervisor.stop_all")
	defer span.End()

	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var stopped atomic.Int64
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if _, err := s.stop(id, "stopped by kill switch"); err == nil {
				stopped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := KillResult{
		StoppedCount: int(stopped.Load()),
		TotalCount:   len(ids),
		Timestamp:    time.Now(),
	}

	span.SetAttributes(
		attribute.Int("kill.stopped", result.StoppedCount),
		attribute.Int("kill.total", result.TotalCount),
	)
	observability.RecordKillSwitch(result.StoppedCount)
	observability.RecordSecurityAudit(ctx, "kill_switch", "supervisor", "success", map[string]interface{}{
		"stopped": result.StoppedCount,
		"total":   result.TotalCount,
	})
	s.logger.Warn().
		Int("stopped", result.StoppedCount).
		Int("total", result.TotalCount).
		Msg("Kill switch executed")
	return result
}

// Status returns the session record, or Found=false with status unknown
func (s *Supervisor) Status(id string) StatusResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[id]; ok {
		return StatusResult{Found: true, Session: e.sess.Snapshot()}
	}
	if snap, ok := s.history[id]; ok {
		return StatusResult{Found: true, Session: snap}
	}
	return StatusResult{Found: false, Session: session.Unknown(id)}
}

// Wait blocks until the session is terminal and returns its final record
func (s *Supervisor) Wait(ctx context.Context, id string) (session.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.active[id]
	if !ok {
		snap, known := s.history[id]
		s.mu.Unlock()
		if known {
			return snap, nil
		}
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	done := e.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.sess.Snapshot(), nil
}

// List returns active sessions, oldest first
func (s *Supervisor) List() []session.Snapshot {
	s.mu.Lock()
	out := make([]session.Snapshot, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.sess.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of active sessions
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Supervisor) monitor(e *entry, handle executor.Handle) {
	defer s.monitors.Done()

	<-handle.Done()
	result := handle.Result()

	status := session.StatusCompleted
	reason := ""
	if result.Failed() {
		status = session.StatusFailed
		reason = result.FailureReason()
	}
	s.finish(e, status, reason, &result)
}

func (s *Supervisor) expire(e *entry) {
	s.mu.Lock()
	if e.sess.Status != session.StatusRunning {
		s.mu.Unlock()
		return
	}
	started := *e.sess.StartedAt
	s.mu.Unlock()

	elapsed := time.Since(started)
	reason := fmt.Sprintf("%v: ran %s of %s allowed", ErrTimeout, elapsed.Round(time.Millisecond), e.token.MaxDuration)

	_, handle, ok := s.finish(e, session.StatusTimedOut, reason, nil)
	if !ok {
		return
	}
	s.logger.Warn().
		Str("session_id", e.sess.ID).
		Dur("elapsed", elapsed).
		Dur("deadline", e.token.MaxDuration).
		Msg("Session timed out")
	if handle != nil {
		if err := handle.Cancel(executor.SignalTerminate); err != nil {
			s.logger.Warn().Err(err).Str("session_id", e.sess.ID).Msg("Cancel after timeout failed")
		}
	}
}

// finish applies the first terminal transition for e. Later calls return
// ok=false and change nothing.
func (s *Supervisor) finish(e *entry, status session.Status, reason string, result *executor.Result) (session.Snapshot, executor.Handle, bool) {
	s.mu.Lock()
	if e.sess.Status.IsTerminal() {
		snap := e.sess.Snapshot()
		s.mu.Unlock()
		return snap, nil, false
	}

	if err := e.sess.Transition(status, time.Now()); err != nil {
		snap := e.sess.Snapshot()
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("session_id", e.sess.ID).Msg("Rejected session transition")
		return snap, nil, false
	}
	e.sess.Error = reason
	if result != nil {
		e.sess.SetExitCode(result.ExitCode)
		if e.sess.Output() == "" && result.Output != "" {
			e.sess.ReplaceOutput(result.Output)
		}
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	delete(s.active, e.sess.ID)
	snap := e.sess.Snapshot()
	s.rememberLocked(snap)
	close(e.done)
	s.publishLocked(terminalEvent(status), snap)
	observability.SetActiveSessions(len(s.active))
	handle := e.handle
	s.mu.Unlock()

	s.gov.Release(e.token)
	observability.RecordSessionTerminal(string(status), snap.AgentRef, snap.Elapsed())
	return snap, handle, true
}

func (s *Supervisor) chunkHandler(e *entry) executor.ChunkFunc {
	return func(chunk string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.sess.Status.IsTerminal() {
			return
		}
		e.sess.AppendOutput(chunk)
		if s.publishOutput {
			s.bus.Publish(events.Event{
				Type:      events.SessionOutput,
				SessionID: e.sess.ID,
				AgentRef:  e.sess.AgentRef,
				Chunk:     chunk,
			})
		}
	}
}

func (s *Supervisor) rememberLocked(snap session.Snapshot) {
	if _, exists := s.history[snap.ID]; !exists {
		s.historyOrder = append(s.historyOrder, snap.ID)
	}
	s.history[snap.ID] = snap
	for len(s.historyOrder) > s.historySize {
		oldest := s.historyOrder[0]
		s.historyOrder = s.historyOrder[1:]
		delete(s.history, oldest)
	}
}

func (s *Supervisor) publishLocked(t events.Type, snap session.Snapshot) {
	s.bus.Publish(events.Event{
		Type:      t,
		SessionID: snap.ID,
		AgentRef:  snap.AgentRef,
		Error:     snap.Error,
	})
}

func (s *Supervisor) recordRejection(ctx context.Context, id, agentRef string, err error) {
	reason := "unknown"
	var admissionErr *governor.AdmissionError
	if errors.As(err, &admissionErr) {
		reason = string(admissionErr.Reason)
	}
	observability.RecordAdmission(false, reason)
	observability.RecordSessionAudit(ctx, "admission_rejected", id, "rejected", map[string]interface{}{
		"agent_ref": agentRef,
		"reason":    reason,
	})
	s.logger.Warn().
		Str("session_id", id).
		Str("agent_ref", agentRef).
		Str("reason", reason).
		Err(err).
		Msg("Admission rejected")
}

func terminalEvent(status session.Status) events.Type {
	switch status {
	case session.StatusCompleted:
		return events.StatusCompleted
	case session.StatusStopped:
		return events.StatusStopped
	case session.StatusTimedOut:
		return events.StatusTimedOut
	default:
		return events.StatusFailed
	}
}
