// Package cron fires configured agent runs and pipeline runs on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

// AgentRunner starts single agent sessions
type AgentRunner interface {
	RunAgent(ctx context.Context, req supervisor.RunRequest) (session.Snapshot, error)
	Status(id string) supervisor.StatusResult
}

// PipelineStarter starts pipeline runs
type PipelineStarter interface {
	Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger, opts ...pipeline.StartOption) (pipeline.Run, error)
	Get(ctx context.Context, id string) (pipeline.Run, error)
}

type jobEntry struct {
	job     Job
	sched   cron.Schedule
	entryID cron.EntryID
	state   JobState
}

// Service owns the cron jobs. A firing is skipped while the session or
// pipeline run started by the previous firing of the same job is still
// going; admission rejections are recorded, not retried.
type Service struct {
	runner    AgentRunner
	pipelines PipelineStarter
	logger    zerolog.Logger
	now       func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	started bool
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for job state
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService validates jobs and prepares them. Nothing fires until Start.
func NewService(runner AgentRunner, pipelines PipelineStarter, jobs []Job, opts ...Option) (*Service, error) {
	s := &Service{
		runner:    runner,
		pipelines: pipelines,
		logger:    zerolog.Nop(),
		now:       time.Now,
		jobs:      make(map[string]*jobEntry, len(jobs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "cron").Logger()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.jobs[job.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate job id %s", ErrInvalidJob, job.ID)
		}
		if job.Kind == JobKindAgent && runner == nil {
			return nil, fmt.Errorf("%w: %s: no agent runner configured", ErrInvalidJob, job.ID)
		}
		if job.Kind == JobKindPipeline && pipelines == nil {
			return nil, fmt.Errorf("%w: %s: no pipeline scheduler configured", ErrInvalidJob, job.ID)
		}
		sched, _ := ParseSchedule(job.Expr, job.TZ)
		s.jobs[job.ID] = &jobEntry{job: job, sched: sched}
	}

	s.cron = cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{s.logger}))
	return s, nil
}

// Start schedules every enabled job
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	enabled := 0
	for id, entry := range s.jobs {
		if !entry.job.Enabled {
			continue
		}
		entry.entryID = s.cron.Schedule(entry.sched, cron.FuncJob(func() {
			s.fire(context.Background(), id)
		}))
		enabled++
	}
	s.cron.Start()
	s.started = true

	s.logger.Info().Int("jobs", len(s.jobs)).Int("enabled", enabled).Msg("Cron service started")
}

// Stop stops scheduling and waits for firings in progress or ctx
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for cron jobs: %w", ctx.Err())
	}
}

// List returns every job with its state, sorted by id
func (s *Service) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{Job: entry.job, State: entry.state}
		if entry.job.Enabled {
			next := entry.sched.Next(now)
			if s.started && entry.entryID != 0 {
				next = s.cron.Entry(entry.entryID).Next
			}
			status.State.NextRunAt = &next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow fires job id immediately, whether or not it is enabled
func (s *Service) RunNow(ctx context.Context, id string) (JobState, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.fire(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].state, nil
}

func (s *Service) fire(ctx context.Context, id string) {
	s.mu.Lock()
	entry := s.jobs[id]
	job := entry.job
	last := entry.state
	s.mu.Unlock()

	logger := s.logger.With().Str("job_id", id).Str("kind", string(job.Kind)).Logger()
	now := s.now()

	if s.previousStillRunning(ctx, job, last) {
		logger.Info().Msg("Previous run still active, skipping")
		s.record(id, now, StatusSkipped, "", nil)
		return
	}

	switch job.Kind {
	case JobKindAgent:
		snap, err := s.runner.RunAgent(ctx, supervisor.RunRequest{AgentRef: job.AgentRef, Input: job.Message})
		if err != nil {
			logger.Warn().Err(err).Str("agent_ref", job.AgentRef).Msg("Scheduled agent run rejected")
			s.record(id, now, StatusError, err.Error(), nil)
			return
		}
		if snap.Status == session.StatusFailed {
			s.record(id, now, StatusError, snap.Error, func(st *JobState) { st.LastSessionID = snap.ID })
			return
		}
		logger.Info().Str("session_id", snap.ID).Str("agent_ref", job.AgentRef).Msg("Scheduled agent run started")
		s.record(id, now, StatusOK, "", func(st *JobState) { st.LastSessionID = snap.ID })

	case JobKindPipeline:
		run, err := s.pipelines.Start(ctx, job.PipelineID, pipeline.TriggerCron, pipeline.WithInitialContext(job.Context))
		if err != nil {
			logger.Warn().Err(err).Str("pipeline_id", job.PipelineID).Msg("Scheduled pipeline run rejected")
			s.record(id, now, StatusError, err.Error(), nil)
			return
		}
		logger.Info().Str("pipeline_run_id", run.ID).Str("pipeline_id", job.PipelineID).Msg("Scheduled pipeline run started")
		s.record(id, now, StatusOK, "", func(st *JobState) { st.LastPipelineRunID = run.ID })
	}
}

func (s *Service) previousStillRunning(ctx context.Context, job Job, last JobState) bool {
	switch job.Kind {
	case JobKindAgent:
		if last.LastSessionID == "" {
			return false
		}
		res := s.runner.Status(last.LastSessionID)
		return res.Found && !res.Session.Status.IsTerminal()
	case JobKindPipeline:
		if last.LastPipelineRunID == "" {
			return false
		}
		run, err := s.pipelines.Get(ctx, last.LastPipelineRunID)
		return err == nil && !run.Status.IsTerminal()
	}
	return false
}

func (s *Service) record(id string, at time.Time, status, errMsg string, update func(*JobState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.jobs[id].state
	st.LastRunAt = &at
	st.LastStatus = status
	st.LastError = errMsg
	if status == StatusError {
		st.ConsecutiveErrors++
	} else if status == StatusOK {
		st.ConsecutiveErrors = 0
	}
	if update != nil {
		update(st)
	}
}

// cronLogger routes robfig/cron logging into zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
