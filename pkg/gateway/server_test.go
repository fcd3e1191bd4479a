package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

const testSecret = "test-secret"

type testEnv struct {
	server *Server
	http   *httptest.Server
	client *Client
	sup    *supervisor.Supervisor
	sched  *pipeline.Scheduler
	bus    *events.Bus
}

func newTestEnv(t *testing.T, maxConcurrent int, behave func(executor.Invocation) executor.MockBehavior, mutate ...func(*Config)) *testEnv {
	t.Helper()

	limits := governor.DefaultLimits()
	limits.MaxConcurrentAgents = maxConcurrent
	limits.MaxRunsPerHour = 1000
	gov, err := governor.New(limits)
	require.NoError(t, err)

	bus := events.NewBus()
	sup := supervisor.New(executor.NewMockExecutor(executor.WithBehavior(behave)), gov, supervisor.WithBus(bus))
	require.NoError(t, sup.Init(context.Background()))

	catalog, err := pipeline.NewCatalog(pipeline.Definition{
		ID:    "outreach",
		Name:  "Outreach",
		Steps: []pipeline.Step{{AgentRef: "finder"}, {AgentRef: "writer", MessageTemplate: "Write to {{finder_output}}"}},
	})
	require.NoError(t, err)
	sched := pipeline.NewScheduler(sup, catalog, pipeline.WithBus(bus))

	cfg := Config{
		SharedSecret:      testSecret,
		RequestsPerMinute: 1000,
		Sessions:          sup,
		Pipelines:         sched,
		Governor:          gov,
		Bus:               bus,
		Logger:            zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Close()
		_ = sched.Shutdown(ctx)
		_ = sup.Shutdown(ctx)
	})

	return &testEnv{
		server: srv,
		http:   hs,
		client: NewClient(hs.URL, cfg.SharedSecret),
		sup:    sup,
		sched:  sched,
		bus:    bus,
	}
}

func quickAgent(inv executor.Invocation) executor.MockBehavior {
	return executor.MockBehavior{Chunks: []string{"done by " + inv.AgentRef}, Delay: 5 * time.Millisecond}
}

func blockingAgent(executor.Invocation) executor.MockBehavior {
	return executor.MockBehavior{Block: true}
}

func TestNewServerRequiresSessions(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	require.NoError(t, env.client.Health(context.Background()))
}

func TestRPCRequiresSecret(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)

	_, err := NewClient(env.http.URL, "").GovernorStatus(context.Background())
	require.Error(t, err)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, AuthenticationRequired, remote.Code)

	resp, err := http.Get(env.http.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRunRequestLifecycle(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	ctx := context.Background()

	res, err := env.client.RunAgent(ctx, supervisor.RunRequest{AgentRef: "writer", Input: "hello", SessionID: "rpc-1"})
	require.NoError(t, err)
	assert.Equal(t, "rpc-1", res.SessionID)
	assert.Equal(t, session.StatusRunning, res.Status)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = env.sup.Wait(waitCtx, "rpc-1")
	require.NoError(t, err)

	status, err := env.client.SessionStatus(ctx, "rpc-1")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Equal(t, session.StatusCompleted, status.Session.Status)
	assert.Equal(t, "done by writer", status.Session.Output)

	unknown, err := env.client.SessionStatus(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, unknown.Found)
	assert.Equal(t, session.StatusUnknown, unknown.Session.Status)

	list, err := env.client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rpc-1", list[0].ID)
}

func TestRunRequestErrors(t *testing.T) {
	env := newTestEnv(t, 1, blockingAgent)
	ctx := context.Background()

	_, err := env.client.RunAgent(ctx, supervisor.RunRequest{AgentRef: "writer", SessionID: "; rm -rf /"})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrValidation)

	err = env.client.Call(ctx, "run.request", map[string]interface{}{"agentRef": 42}, nil)
	assert.ErrorIs(t, err, executor.ErrValidation)

	_, err = env.client.RunAgent(ctx, supervisor.RunRequest{AgentRef: "writer", SessionID: "first"})
	require.NoError(t, err)

	_, err = env.client.RunAgent(ctx, supervisor.RunRequest{AgentRef: "writer", SessionID: "second"})
	require.Error(t, err)
	assert.ErrorIs(t, err, governor.ErrAdmissionRejected)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, AdmissionRejected, remote.Code)
	data, ok := remote.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ConcurrencyExceeded", data["reason"])
	assert.Equal(t, 1.0, data["limit"])
	assert.Equal(t, 1.0, data["current"])

	_, err = env.client.StopSession(ctx, "missing")
	assert.True(t, IsNotFound(err))

	snap, err := env.client.StopSession(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, snap.Status)

	err = env.client.Call(ctx, "no.such.method", nil, nil)
	var methodErr *RemoteError
	require.True(t, errors.As(err, &methodErr))
	assert.Equal(t, MethodNotFound, methodErr.Code)
}

func TestKillAllAndGovernorStatus(t *testing.T) {
	env := newTestEnv(t, 3, blockingAgent)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := env.client.RunAgent(ctx, supervisor.RunRequest{AgentRef: "writer", SessionID: id})
		require.NoError(t, err)
	}

	snap, err := env.client.GovernorStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 3, snap.Limits.MaxConcurrentAgents)

	kill, err := env.client.KillAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, kill.StoppedCount)
	assert.Equal(t, 2, kill.TotalCount)

	snap, err = env.client.GovernorStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Active)

	kill, err = env.client.KillAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, kill.StoppedCount)
	assert.Equal(t, 0, kill.TotalCount)
}

func TestPipelineMethods(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	ctx := context.Background()

	list, err := env.client.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list.Pipelines, 1)
	assert.Equal(t, "outreach", list.Pipelines[0].ID)

	_, err = env.client.StartPipeline(ctx, "missing", nil)
	assert.True(t, IsNotFound(err))

	err = env.client.Call(ctx, "pipeline.request", map[string]interface{}{"pipelineId": "outreach", "context": "emea"}, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, InvalidParams, remote.Code)

	res, err := env.client.StartPipeline(ctx, "outreach", map[string]interface{}{"region": "emea"})
	require.NoError(t, err)
	require.NotEmpty(t, res.PipelineRunID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = env.sched.Wait(waitCtx, res.PipelineRunID)
	require.NoError(t, err)

	run, err := env.client.PipelineStatus(ctx, res.PipelineRunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, pipeline.TriggerRPC, run.Trigger)
	assert.Equal(t, map[string]interface{}{"region": "emea"}, run.Context)
	require.Len(t, run.Steps, 2)

	_, err = env.client.PipelineStatus(ctx, "missing")
	assert.True(t, IsNotFound(err))

	jobs, err := env.client.ListCronJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRPCRateLimit(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent, func(c *Config) { c.RequestsPerMinute = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.client.GovernorStatus(ctx)
		require.NoError(t, err)
	}

	_, err := env.client.GovernorStatus(ctx)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, RateLimitExceeded, remote.Code)
}

func dialWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestWebSocketHeaderAuthStreamsEvents(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.server.broadcaster.Run(ctx, env.bus, 64)
	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	conn := dialWS(t, env, http.Header{SecretHeader: []string{testSecret}})

	var hello AuthResult
	readJSON(t, conn, &hello)
	assert.True(t, hello.Success)
	require.Eventually(t, func() bool { return len(env.server.GetConnectedClients()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "ws-1", Method: "run.request", Params: map[string]interface{}{
		"agentRef": "writer", "sessionId": "ws-session",
	}}))

	seen := map[string]bool{}
	gotResponse := false
	for !(gotResponse && seen["status:completed"]) {
		var raw map[string]interface{}
		readJSON(t, conn, &raw)
		if raw["type"] == "event" {
			seen[raw["event"].(string)] = true
			continue
		}
		assert.Equal(t, "ws-1", raw["id"])
		result := raw["result"].(map[string]interface{})
		assert.Equal(t, "ws-session", result["sessionId"])
		gotResponse = true
	}
	assert.True(t, seen["status:running"])
}

func TestWebSocketChallengeAuth(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	conn := dialWS(t, env, nil)

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "early", Method: "governor.status"}))
	var denied RPCResponse
	readJSON(t, conn, &denied)
	require.NotNil(t, denied.Error)
	assert.Equal(t, AuthenticationRequired, denied.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bogus"}))
	var failure AuthResult
	readJSON(t, conn, &failure)
	assert.False(t, failure.Success)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(testSecret, challenge.Challenge)}))
	var success AuthResult
	readJSON(t, conn, &success)
	assert.True(t, success.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "later", Method: "governor.status"}))
	var resp RPCResponse
	readJSON(t, conn, &resp)
	assert.Equal(t, "later", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestStartAndStop(t *testing.T) {
	env := newTestEnv(t, 3, quickAgent)
	srv, err := NewServer(Config{
		Addr:         "127.0.0.1:0",
		Sessions:     env.sup,
		Bus:          env.bus,
		TickInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

	client := NewClient(srv.Addr(), "")
	require.NoError(t, client.Health(context.Background()))

	// governor.status is unavailable without a governor
	_, err = client.GovernorStatus(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, 0, env.bus.Subscribers())
}
