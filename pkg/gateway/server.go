// Package gateway exposes the engine over JSON-RPC 2.0 (HTTP and
// websocket) and streams bus events to websocket peers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/events"
)

const maxRequestBytes = 1 << 20

// Config holds server configuration
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr         string
	SharedSecret string

	RequestsPerMinute     int
	MaxConcurrentRequests int
	IdempotencyTTL        time.Duration
	TickInterval          time.Duration
	ShutdownTimeout       time.Duration

	Sessions  Sessions
	Pipelines Pipelines
	Governor  GovernorStatus
	Cron      CronJobs
	Bus       *events.Bus

	Logger zerolog.Logger
}

// Server is the inbound gateway
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	peers       *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	httpLimits  *limiterSet

	sessions  Sessions
	pipelines Pipelines
	governor  GovernorStatus
	cron      CronJobs

	logger zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session supervisor is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:18790"
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	peers := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		peers:       peers,
		router:      NewRPCRouter(cfg.IdempotencyTTL),
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(peers, logger),
		httpLimits:  newLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrentRequests),
		sessions:    cfg.Sessions,
		pipelines:   cfg.Pipelines,
		governor:    cfg.Governor,
		cron:        cfg.Cron,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.auth.Enabled()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.bgCancel = cancel
	if s.cfg.Bus != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.broadcaster.Run(bgCtx, s.cfg.Bus, 256)
		}()
	}
	if s.cfg.TickInterval > 0 {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.emitTicks(bgCtx)
		}()
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop refuses new requests, waits for in-flight ones, then closes peers
// and the listener
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	for _, peer := range s.peers.GetAll() {
		_ = peer.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// beginRequest registers an in-flight request unless shutdown has begun
func (s *Server) beginRequest() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightReqs.Add(1)
	return true
}

func (s *Server) emitTicks(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data := map[string]interface{}{"status": "alive"}
			if s.governor != nil {
				data["governor"] = s.governor.Snapshot()
			}
			s.broadcaster.Broadcast("tick", data)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	headerOK := s.auth.Enabled() && s.auth.CheckHeader(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	now := time.Now()
	peer := &Peer{
		ID:            id,
		Conn:          conn,
		Authenticated: !s.auth.Enabled() || headerOK,
		ConnectedAt:   now,
		LastActivity:  now,
		IPAddress:     r.RemoteAddr,
		Limiter:       NewClientLimiter(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrentRequests),
	}
	s.peers.Add(peer)
	s.logger.Info().Str("client_id", id).Str("ip", r.RemoteAddr).Msg("Client connected")

	if peer.Authenticated {
		err = peer.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	} else {
		err = s.sendAuthChallenge(peer)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", id).Msg("Failed to send auth message")
		_ = conn.Close()
		s.peers.Remove(id)
		return
	}

	go s.handlePeer(peer)
}

func (s *Server) sendAuthChallenge(peer *Peer) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	peer.Challenge = challenge
	return peer.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handlePeer(peer *Peer) {
	defer func() {
		_ = peer.Conn.Close()
		s.peers.Remove(peer.ID)
		s.logger.Info().Str("client_id", peer.ID).Msg("Client disconnected")
	}()

	peer.Conn.SetReadLimit(maxRequestBytes)
	for {
		_, message, err := peer.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", peer.ID).Msg("WebSocket error")
			}
			return
		}
		s.peers.UpdateActivity(peer.ID)
		s.handleMessage(peer, message)
	}
}

func (s *Server) handleMessage(peer *Peer, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(peer, authResp)
		return
	}

	if !s.peers.IsAuthenticated(peer.ID) {
		s.sendError(peer, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := decodeRequest(message)
	if err != nil {
		s.sendError(peer, "", toRPCError(err).Code, err.Error())
		return
	}

	release, rpcErr := peer.Limiter.Acquire()
	if rpcErr != nil {
		s.sendError(peer, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	if !s.beginRequest() {
		release()
		s.sendError(peer, req.ID, ShuttingDown, "server is shutting down")
		return
	}

	go func() {
		defer release()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), peer.ID)
		response := s.router.Dispatch(ctx, req)
		if err := peer.WriteJSON(response); err != nil {
			s.logger.Error().Err(err).Str("client_id", peer.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
}

func (s *Server) handleAuthMessage(peer *Peer, authResp AuthResponse) {
	result := s.auth.HandleAuthResponse(peer, authResp.Signature)
	if result.Success {
		s.peers.MarkAuthenticated(peer.ID)
	}

	if err := peer.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", peer.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().Str("client_id", peer.ID).Str("reason", result.Message).Msg("Authentication failed")
		observability.RecordSecurityAudit(context.Background(), "ws_auth", peer.ID, "failure", map[string]interface{}{
			"ip": peer.IPAddress, "attempts": peer.AuthAttempts,
		})
		if peer.AuthAttempts >= maxAuthAttempts {
			_ = peer.Conn.Close()
		}
		return
	}
	s.logger.Info().Str("client_id", peer.ID).Msg("Client authenticated")
}

func (s *Server) sendError(peer *Peer, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := peer.WriteJSON(response); err != nil {
		s.logger.Error().Err(err).Str("client_id", peer.ID).Msg("Failed to send error response")
	}
}

// handleRPC serves single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.CheckHeader(r) {
		observability.RecordSecurityAudit(r.Context(), "rpc_auth", r.RemoteAddr, "failure", nil)
		writeRPC(w, http.StatusUnauthorized, RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: AuthenticationRequired, Message: "unauthorized"},
		})
		return
	}

	release, rpcErr := s.httpLimits.forAddr(r.RemoteAddr).Acquire()
	if rpcErr != nil {
		writeRPC(w, http.StatusTooManyRequests, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}
	defer release()

	if !s.beginRequest() {
		writeRPC(w, http.StatusServiceUnavailable, RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ShuttingDown, Message: "server is shutting down"},
		})
		return
	}
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := decodeRequest(body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), req.ID)
	ctx = withClientID(ctx, r.RemoteAddr)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	resp := s.router.Dispatch(ctx, req)
	writeRPC(w, http.StatusOK, *resp)
}

func writeRPC(w http.ResponseWriter, status int, resp RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Methods lists the RPC methods the server answers
func (s *Server) Methods() []string {
	return s.router.Methods()
}

// GetConnectedClients describes the connected websocket peers
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.peers.GetConnectedClients()
}
