package gateway

import (
	"context"

	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

// Sessions is the supervisor surface the gateway exposes
type Sessions interface {
	RunAgent(ctx context.Context, req supervisor.RunRequest) (session.Snapshot, error)
	Status(id string) supervisor.StatusResult
	Stop(ctx context.Context, id string) (session.Snapshot, error)
	StopAll(ctx context.Context) supervisor.KillResult
	List() []session.Snapshot
}

// Pipelines is the pipeline scheduler surface the gateway exposes
type Pipelines interface {
	Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger, opts ...pipeline.StartOption) (pipeline.Run, error)
	Get(ctx context.Context, id string) (pipeline.Run, error)
	Cancel(ctx context.Context, id string) (pipeline.Run, error)
	List() []pipeline.Run
	Catalog() *pipeline.Catalog
}

// GovernorStatus reports admission state
type GovernorStatus interface {
	Snapshot() governor.Snapshot
}

// CronJobs lists and fires cron jobs
type CronJobs interface {
	List() []cron.JobStatus
	RunNow(ctx context.Context, id string) (cron.JobState, error)
}

// RunResult answers run.request
type RunResult struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// PipelineRunResult answers pipeline.request
type PipelineRunResult struct {
	PipelineRunID string             `json:"pipelineRunId"`
	Status        pipeline.RunStatus `json:"status"`
}

// PipelineList answers pipeline.list
type PipelineList struct {
	Pipelines []pipeline.Definition `json:"pipelines"`
	Runs      []pipeline.Run        `json:"runs"`
}

func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"run.request":      s.handleRunRequest,
		"session.status":   s.handleSessionStatus,
		"session.stop":     s.handleSessionStop,
		"session.list":     s.handleSessionList,
		"kill.all":         s.handleKillAll,
		"governor.status":  s.handleGovernorStatus,
		"gateway.clients":  s.handleGatewayClients,
		"pipeline.request": s.handlePipelineRequest,
		"pipeline.status":  s.handlePipelineStatus,
		"pipeline.cancel":  s.handlePipelineCancel,
		"pipeline.list":    s.handlePipelineList,
		"cron.list":        s.handleCronList,
		"cron.run":         s.handleCronRun,
	}
	for name, handler := range methods {
		_ = s.router.Handle(name, handler)
	}
}

func (s *Server) handleRunRequest(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentRef, err := stringParam(params, "agentRef", true)
	if err != nil {
		return nil, err
	}
	input, err := stringParam(params, "input", false)
	if err != nil {
		return nil, err
	}
	sessionID, err := stringParam(params, "sessionId", false)
	if err != nil {
		return nil, err
	}
	cost, err := numberParam(params, "estimatedCost")
	if err != nil {
		return nil, err
	}

	// Sessions outlive the request that started them.
	snap, err := s.sessions.RunAgent(tracing.Detach(ctx), supervisor.RunRequest{
		AgentRef:      agentRef,
		Input:         input,
		SessionID:     sessionID,
		EstimatedCost: cost,
	})
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", snap.ID).
		Str("agent_ref", agentRef).
		Str("client_id", clientIDFromContext(ctx)).
		Msg("Run requested")

	return RunResult{SessionID: snap.ID, Status: snap.Status, Error: snap.Error}, nil
}

func (s *Server) handleSessionStatus(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	return s.sessions.Status(id), nil
}

func (s *Server) handleSessionStop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	return s.sessions.Stop(ctx, id)
}

func (s *Server) handleSessionList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": s.sessions.List()}, nil
}

func (s *Server) handleKillAll(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	s.logger.Warn().Str("client_id", clientIDFromContext(ctx)).Msg("Kill switch requested over RPC")
	return s.sessions.StopAll(ctx), nil
}

func (s *Server) handleGovernorStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.governor == nil {
		return nil, &RPCError{Code: InternalError, Message: "governor status not available"}
	}
	return s.governor.Snapshot(), nil
}

func (s *Server) handleGatewayClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.peers.GetConnectedClients()}, nil
}

func (s *Server) requirePipelines() error {
	if s.pipelines == nil {
		return &RPCError{Code: MethodNotFound, Message: "pipelines are not enabled"}
	}
	return nil
}

func (s *Server) handlePipelineRequest(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.requirePipelines(); err != nil {
		return nil, err
	}
	id, err := stringParam(params, "pipelineId", true)
	if err != nil {
		return nil, err
	}
	initial, err := objectParam(params, "context")
	if err != nil {
		return nil, err
	}
	run, err := s.pipelines.Start(ctx, id, pipeline.TriggerRPC, pipeline.WithInitialContext(initial))
	if err != nil {
		return nil, err
	}
	return PipelineRunResult{PipelineRunID: run.ID, Status: run.Status}, nil
}

func (s *Server) handlePipelineStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.requirePipelines(); err != nil {
		return nil, err
	}
	id, err := stringParam(params, "pipelineRunId", true)
	if err != nil {
		return nil, err
	}
	return s.pipelines.Get(ctx, id)
}

func (s *Server) handlePipelineCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.requirePipelines(); err != nil {
		return nil, err
	}
	id, err := stringParam(params, "pipelineRunId", true)
	if err != nil {
		return nil, err
	}
	return s.pipelines.Cancel(ctx, id)
}

func (s *Server) handlePipelineList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := s.requirePipelines(); err != nil {
		return nil, err
	}
	return PipelineList{Pipelines: s.pipelines.Catalog().List(), Runs: s.pipelines.List()}, nil
}

func (s *Server) handleCronList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.cron == nil {
		return map[string]interface{}{"jobs": []cron.JobStatus{}}, nil
	}
	return map[string]interface{}{"jobs": s.cron.List()}, nil
}

func (s *Server) handleCronRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cron == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "cron is not enabled"}
	}
	id, err := stringParam(params, "jobId", true)
	if err != nil {
		return nil, err
	}
	return s.cron.RunNow(tracing.Detach(ctx), id)
}
