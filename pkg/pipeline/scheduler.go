// Package pipeline runs multi-step agent pipelines. Each step is an ordinary
// supervised session; the scheduler sequences them with optional delays,
// passes step output forward through an OutputStore and stops at the first
// step that does not complete.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

const (
	tracerName = "conductor/pipeline"

	defaultAdmissionRetries       = 10
	defaultAdmissionRetryInterval = 30 * time.Second
	defaultRetainedRuns           = 256
)

// SessionRunner is the part of the session supervisor the scheduler drives
type SessionRunner interface {
	RunAgent(ctx context.Context, req supervisor.RunRequest) (session.Snapshot, error)
	Wait(ctx context.Context, id string) (session.Snapshot, error)
	Stop(ctx context.Context, id string) (session.Snapshot, error)
}

// RunStore persists run records. GetRun returns ErrRunNotFound for unknown
// ids.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
}

type runState struct {
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler starts and tracks pipeline runs
type Scheduler struct {
	runner  SessionRunner
	catalog *Catalog
	store   RunStore
	bus     *events.Bus
	logger  zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	admissionRetries       int
	admissionRetryInterval time.Duration
	retainedRuns           int

	mu     sync.Mutex
	runs   map[string]*runState
	order  []string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithBus sets the bus pipeline events are published on
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithRunStore persists every run change to store
func WithRunStore(store RunStore) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithClock overrides the time source and the delay timer
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
		if after != nil {
			s.after = after
		}
	}
}

// WithAdmissionRetry sets how often a step rejected by the governor is
// retried and how long to wait between attempts.
func WithAdmissionRetry(retries int, interval time.Duration) Option {
	return func(s *Scheduler) {
		if retries >= 0 {
			s.admissionRetries = retries
		}
		if interval > 0 {
			s.admissionRetryInterval = interval
		}
	}
}

// WithRetainedRuns bounds how many finished runs are kept in memory
func WithRetainedRuns(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.retainedRuns = n
		}
	}
}

// NewScheduler creates a scheduler that runs steps through runner
func NewScheduler(runner SessionRunner, catalog *Catalog, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:                 runner,
		catalog:                catalog,
		bus:                    events.NewBus(),
		logger:                 zerolog.Nop(),
		now:                    time.Now,
		after:                  time.After,
		admissionRetries:       defaultAdmissionRetries,
		admissionRetryInterval: defaultAdmissionRetryInterval,
		retainedRuns:           defaultRetainedRuns,
		runs:                   make(map[string]*runState),
		ctx:                    ctx,
		cancel:                 cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the definition catalog
func (s *Scheduler) Catalog() *Catalog {
	return s.catalog
}

// StartOptions holds the per-run settings applied by StartOption
type StartOptions struct {
	Context map[string]interface{}
}

// StartOption configures a single run
type StartOption func(*StartOptions)

// WithInitialContext seeds the run's step context. Every step can reference
// the keys as {{key}} and they head the pipeline_context of steps without
// a template.
func WithInitialContext(initial map[string]interface{}) StartOption {
	return func(o *StartOptions) {
		if len(initial) == 0 {
			return
		}
		if o.Context == nil {
			o.Context = make(map[string]interface{}, len(initial))
		}
		for k, v := range initial {
			o.Context[k] = v
		}
	}
}

// Start begins a run of the catalog pipeline id
func (s *Scheduler) Start(ctx context.Context, pipelineID string, trigger Trigger, opts ...StartOption) (Run, error) {
	def, err := s.catalog.Get(pipelineID)
	if err != nil {
		return Run{}, err
	}
	return s.StartDefinition(ctx, def, trigger, opts...)
}

// StartDefinition begins a run of def. The returned record is a snapshot
// taken before the first step starts.
func (s *Scheduler) StartDefinition(ctx context.Context, def Definition, trigger Trigger, opts ...StartOption) (Run, error) {
	var cfg StartOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	def.Steps = append([]Step(nil), def.Steps...)
	def.Normalize()
	if err := def.Validate(); err != nil {
		return Run{}, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	id, err := gonanoid.New()
	if err != nil {
		return Run{}, fmt.Errorf("failed to generate run id: %w", err)
	}

	now := s.now()
	run := Run{
		ID:         id,
		PipelineID: def.ID,
		Status:     RunRunning,
		Trigger:    trigger,
		TotalSteps: len(def.Steps),
		StartedAt:  now,
		Context:    cfg.Context,
		Steps:      make([]StepRun, len(def.Steps)),
	}
	for i, step := range def.Steps {
		run.Steps[i] = StepRun{StepIndex: i, StepName: step.Name, AgentRef: step.AgentRef, Status: StepPending}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Run{}, ErrSchedulerClosed
	}
	runCtx, cancel := context.WithCancel(tracing.WithPipelineRunID(tracing.Detach(ctx), id))
	stop := context.AfterFunc(s.ctx, cancel)
	st := &runState{run: run, cancel: cancel, done: make(chan struct{})}
	s.runs[id] = st
	s.order = append(s.order, id)
	s.publishLocked(st, events.Event{Type: events.PipelineStarted, Data: map[string]interface{}{
		"trigger":    string(trigger),
		"totalSteps": len(def.Steps),
	}})
	if len(def.Steps) == 0 {
		s.completeLocked(st)
	} else {
		s.wg.Add(1)
	}
	snap := st.run.Clone()
	s.mu.Unlock()

	observability.RecordPipelineStarted()
	s.persist(st)
	s.logger.Info().
		Str("pipeline_run_id", id).
		Str("pipeline_id", def.ID).
		Str("trigger", string(trigger)).
		Int("steps", len(def.Steps)).
		Int("context_keys", len(cfg.Context)).
		Msg("Pipeline run started")

	if len(def.Steps) == 0 {
		stop()
		cancel()
		close(st.done)
		return snap, nil
	}

	go func() {
		defer s.wg.Done()
		defer close(st.done)
		defer cancel()
		defer stop()
		s.execute(runCtx, st, def, cfg.Context)
	}()
	return snap, nil
}

func (s *Scheduler) execute(ctx context.Context, st *runState, def Definition, initial map[string]interface{}) {
	outputs := NewOutputStore()
	outputs.Seed(initial)
	for i, step := range def.Steps {
		if !s.runStep(ctx, st, i, step, outputs) {
			return
		}
	}

	s.mu.Lock()
	s.completeLocked(st)
	s.mu.Unlock()
	s.persist(st)
}

// runStep drives step i to a terminal state. It returns false when the run
// must not continue.
func (s *Scheduler) runStep(ctx context.Context, st *runState, i int, step Step, outputs *OutputStore) bool {
	ctx, span := tracing.StartSpan(ctx, tracerName, "pipeline.step",
		attribute.Int("pipeline.step_index", i),
		attribute.String("agent.ref", step.AgentRef))
	defer span.End()

	runID := st.run.ID
	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Int("step_index", i).
		Str("agent_ref", step.AgentRef).
		Logger()

	s.mu.Lock()
	st.run.CurrentStepIndex = i
	if delay := step.Delay(); delay > 0 {
		scheduled := s.now().Add(delay)
		st.run.Steps[i].Status = StepWaiting
		st.run.Steps[i].ScheduledFor = &scheduled
	}
	s.mu.Unlock()

	if delay := step.Delay(); delay > 0 {
		s.persist(st)
		logger.Info().Dur("delay", delay).Msg("Pipeline step waiting")
		select {
		case <-ctx.Done():
			s.failStep(st, i, StepStopped, ErrRunCancelled.Error(), ErrRunCancelled.Error())
			return false
		case <-s.after(delay):
		}
	}

	message, missing := outputs.Render(step.MessageTemplate, i)
	if len(missing) > 0 {
		logger.Warn().Strs("missing_keys", missing).Msg("Unresolved placeholders left in step message")
	}

	sessionID := fmt.Sprintf("pipeline-%s-%d", runID, i)
	req := supervisor.RunRequest{AgentRef: step.AgentRef, Input: message, SessionID: sessionID}

	var snap session.Snapshot
	for attempt := 0; ; attempt++ {
		var err error
		snap, err = s.runner.RunAgent(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, governor.ErrAdmissionRejected) && attempt < s.admissionRetries {
			logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Dur("retry_in", s.admissionRetryInterval).
				Msg("Pipeline step not admitted, retrying")
			select {
			case <-ctx.Done():
				s.failStep(st, i, StepStopped, ErrRunCancelled.Error(), ErrRunCancelled.Error())
				return false
			case <-s.after(s.admissionRetryInterval):
				continue
			}
		}
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Pipeline step could not start")
		s.failStep(st, i, StepFailed, err.Error(), fmt.Sprintf("step %d (%s) failed: %v", i, step.Name, err))
		return false
	}

	s.mu.Lock()
	started := s.now()
	if snap.StartedAt != nil {
		started = *snap.StartedAt
	}
	st.run.Steps[i].Status = StepRunning
	st.run.Steps[i].SessionID = sessionID
	st.run.Steps[i].StartedAt = &started
	s.mu.Unlock()
	s.persist(st)

	final, err := s.runner.Wait(ctx, sessionID)
	cancelled := false
	if err != nil && ctx.Err() != nil {
		cancelled = true
		if _, stopErr := s.runner.Stop(context.Background(), sessionID); stopErr != nil && !errors.Is(stopErr, supervisor.ErrSessionNotFound) {
			logger.Warn().Err(stopErr).Msg("Failed to stop pipeline session")
		}
		final, err = s.runner.Wait(context.Background(), sessionID)
	}
	if err != nil {
		s.failStep(st, i, StepFailed, err.Error(), fmt.Sprintf("step %d (%s) failed: %v", i, step.Name, err))
		return false
	}

	elapsed := final.Elapsed()
	observability.RecordPipelineStep(string(final.Status), elapsed)

	if cancelled {
		s.failStep(st, i, stepStatus(final.Status), firstNonEmpty(final.Error, ErrRunCancelled.Error()), ErrRunCancelled.Error())
		return false
	}

	if final.Status != session.StatusCompleted {
		span.SetStatus(codes.Error, final.Error)
		logger.Warn().Str("session_id", sessionID).Str("status", string(final.Status)).Str("error", final.Error).Msg("Pipeline step did not complete")
		s.failStep(st, i, stepStatus(final.Status), final.Error,
			fmt.Sprintf("step %d (%s) %s: %s", i, step.Name, final.Status, final.Error))
		return false
	}

	summary := ExtractSummary(final.Output)
	outputs.Record(i, step, summary)

	s.mu.Lock()
	completed := s.now()
	if final.CompletedAt != nil {
		completed = *final.CompletedAt
	}
	st.run.Steps[i].Status = StepCompleted
	st.run.Steps[i].CompletedAt = &completed
	st.run.Steps[i].OutputSummary = summary
	s.publishLocked(st, events.Event{
		Type:      events.PipelineStepCompleted,
		SessionID: sessionID,
		AgentRef:  step.AgentRef,
		Data:      map[string]interface{}{"stepName": step.Name, "outputSummary": summary.clone()},
	}.WithStep(i))
	s.mu.Unlock()
	s.persist(st)

	logger.Info().Str("session_id", sessionID).Dur("elapsed", elapsed).Msg("Pipeline step completed")
	return true
}

func (s *Scheduler) failStep(st *runState, i int, status StepStatus, stepErr, runErr string) {
	s.mu.Lock()
	now := s.now()
	step := &st.run.Steps[i]
	step.Status = status
	step.Error = stepErr
	step.CompletedAt = &now

	st.run.Status = RunFailed
	st.run.Error = runErr
	st.run.CompletedAt = &now
	s.publishLocked(st, events.Event{
		Type:      events.PipelineFailed,
		SessionID: step.SessionID,
		AgentRef:  step.AgentRef,
		Error:     runErr,
	}.WithStep(i))
	s.retireLocked()
	s.mu.Unlock()

	observability.RecordPipelineFinished(string(RunFailed))
	s.persist(st)
	s.logger.Warn().
		Str("pipeline_run_id", st.run.ID).
		Int("step_index", i).
		Str("error", runErr).
		Msg("Pipeline run failed")
}

func (s *Scheduler) completeLocked(st *runState) {
	now := s.now()
	st.run.Status = RunCompleted
	st.run.CompletedAt = &now
	s.publishLocked(st, events.Event{Type: events.PipelineCompleted})
	s.retireLocked()

	observability.RecordPipelineFinished(string(RunCompleted))
	s.logger.Info().
		Str("pipeline_run_id", st.run.ID).
		Str("pipeline_id", st.run.PipelineID).
		Msg("Pipeline run completed")
}

func (s *Scheduler) publishLocked(st *runState, evt events.Event) {
	evt.PipelineRunID = st.run.ID
	evt.PipelineID = st.run.PipelineID
	s.bus.Publish(evt)
}

// retireLocked drops the oldest finished runs beyond the retention bound
func (s *Scheduler) retireLocked() {
	finished := 0
	for _, id := range s.order {
		if s.runs[id].run.Status.IsTerminal() {
			finished++
		}
	}
	if finished <= s.retainedRuns {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if finished > s.retainedRuns && s.runs[id].run.Status.IsTerminal() {
			delete(s.runs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Scheduler) persist(st *runState) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snap := st.run.Clone()
	s.mu.Unlock()

	if err := s.store.SaveRun(context.Background(), snap); err != nil {
		observability.RecordSinkError("run_store")
		s.logger.Error().Err(err).Str("pipeline_run_id", snap.ID).Msg("Failed to persist pipeline run")
	}
}

// Get returns the current record of run id, falling back to the run store
// for runs no longer held in memory.
func (s *Scheduler) Get(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	st, ok := s.runs[id]
	var snap Run
	if ok {
		snap = st.run.Clone()
	}
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	if s.store != nil {
		run, err := s.store.GetRun(ctx, id)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return Run{}, err
		}
	}
	return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// List returns the runs held in memory, newest first
func (s *Scheduler) List() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, id := range s.order {
		out = append(out, s.runs[id].run.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until run id is finished
func (s *Scheduler) Wait(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	st, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return s.Get(ctx, id)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.run.Clone(), nil
}

// Cancel stops run id. Its active session, if any, is stopped and the run
// is marked failed. Cancelling a finished run returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	st, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if st.run.Status.IsTerminal() {
		snap := st.run.Clone()
		s.mu.Unlock()
		return snap, nil
	}
	cancel := st.cancel
	s.mu.Unlock()

	cancel()
	s.logger.Info().Str("pipeline_run_id", id).Msg("Pipeline run cancel requested")
	return s.Wait(ctx, id)
}

// Shutdown cancels every run in progress and waits for them to finish or
// for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipeline runs: %w", ctx.Err())
	}
}

func stepStatus(status session.Status) StepStatus {
	switch status {
	case session.StatusCompleted:
		return StepCompleted
	case session.StatusTimedOut:
		return StepTimedOut
	case session.StatusStopped:
		return StepStopped
	default:
		return StepFailed
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
