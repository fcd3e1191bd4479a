package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

// Client calls the gateway over HTTP JSON-RPC
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the gateway at baseURL (http://host:port)
func NewClient(baseURL, secret string, opts ...ClientOption) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method and decodes the result into out (which may be nil)
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate request id: %w", err)
	}
	body, err := json.Marshal(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes*8))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("call %s: unexpected response (HTTP %d): %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if envelope.Error != nil {
		return fromRPCError(envelope.Error)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// RunAgent requests a session
func (c *Client) RunAgent(ctx context.Context, req supervisor.RunRequest) (RunResult, error) {
	params := map[string]interface{}{"agentRef": req.AgentRef, "input": req.Input}
	if req.SessionID != "" {
		params["sessionId"] = req.SessionID
	}
	if req.EstimatedCost > 0 {
		params["estimatedCost"] = req.EstimatedCost
	}
	var out RunResult
	err := c.Call(ctx, "run.request", params, &out)
	return out, err
}

// SessionStatus looks up a session
func (c *Client) SessionStatus(ctx context.Context, id string) (supervisor.StatusResult, error) {
	var out supervisor.StatusResult
	err := c.Call(ctx, "session.status", map[string]interface{}{"sessionId": id}, &out)
	return out, err
}

// StopSession stops a session
func (c *Client) StopSession(ctx context.Context, id string) (session.Snapshot, error) {
	var out session.Snapshot
	err := c.Call(ctx, "session.stop", map[string]interface{}{"sessionId": id}, &out)
	return out, err
}

// KillAll triggers the kill switch
func (c *Client) KillAll(ctx context.Context) (supervisor.KillResult, error) {
	var out supervisor.KillResult
	err := c.Call(ctx, "kill.all", nil, &out)
	return out, err
}

// ListSessions returns active and recently finished sessions
func (c *Client) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	var out struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	err := c.Call(ctx, "session.list", nil, &out)
	return out.Sessions, err
}

// StartPipeline starts a pipeline run. initial, when set, seeds the run's
// step context.
func (c *Client) StartPipeline(ctx context.Context, pipelineID string, initial map[string]interface{}) (PipelineRunResult, error) {
	params := map[string]interface{}{"pipelineId": pipelineID}
	if len(initial) > 0 {
		params["context"] = initial
	}
	var out PipelineRunResult
	err := c.Call(ctx, "pipeline.request", params, &out)
	return out, err
}

// PipelineStatus looks up a pipeline run
func (c *Client) PipelineStatus(ctx context.Context, runID string) (pipeline.Run, error) {
	var out pipeline.Run
	err := c.Call(ctx, "pipeline.status", map[string]interface{}{"pipelineRunId": runID}, &out)
	return out, err
}

// CancelPipeline cancels a pipeline run
func (c *Client) CancelPipeline(ctx context.Context, runID string) (pipeline.Run, error) {
	var out pipeline.Run
	err := c.Call(ctx, "pipeline.cancel", map[string]interface{}{"pipelineRunId": runID}, &out)
	return out, err
}

// ListPipelines returns loaded definitions and recent runs
func (c *Client) ListPipelines(ctx context.Context) (PipelineList, error) {
	var out PipelineList
	err := c.Call(ctx, "pipeline.list", nil, &out)
	return out, err
}

// GovernorStatus returns admission counters and limits
func (c *Client) GovernorStatus(ctx context.Context) (governor.Snapshot, error) {
	var out governor.Snapshot
	err := c.Call(ctx, "governor.status", nil, &out)
	return out, err
}

// ListCronJobs returns the configured cron jobs with their state
func (c *Client) ListCronJobs(ctx context.Context) ([]cron.JobStatus, error) {
	var out struct {
		Jobs []cron.JobStatus `json:"jobs"`
	}
	err := c.Call(ctx, "cron.list", nil, &out)
	return out.Jobs, err
}

// RunCronJob fires a cron job now
func (c *Client) RunCronJob(ctx context.Context, id string) (cron.JobState, error) {
	var out cron.JobState
	err := c.Call(ctx, "cron.run", map[string]interface{}{"jobId": id}, &out)
	return out, err
}

// Health reports whether the daemon answers /healthz
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}
