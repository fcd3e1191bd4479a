package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/session"
)

// Frame types exchanged with a remote agent gateway
const (
	FrameRun      = "run"
	FrameAccepted = "accepted"
	FrameChunk    = "chunk"
	FrameExit     = "exit"
	FrameError    = "error"
	FrameCancel   = "cancel"
)

// GatewayFrame is the JSON message format on the gateway socket
type GatewayFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	AgentRef  string `json:"agentRef,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      string `json:"data,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GatewayConfig configures the remote-gateway executor
type GatewayConfig struct {
	URL              string        `json:"url" mapstructure:"url"`
	Token            string        `json:"token,omitempty" mapstructure:"token"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	KillGrace        time.Duration `json:"kill_grace" mapstructure:"kill_grace"`
}

// GatewayExecutor runs agents on a remote gateway over a websocket per run
type GatewayExecutor struct {
	cfg    GatewayConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewGatewayExecutor creates a remote-gateway executor
func NewGatewayExecutor(cfg GatewayConfig, logger zerolog.Logger) (*GatewayExecutor, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway executor requires a url")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("gateway url must use ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}

	return &GatewayExecutor{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}, nil
}

// Mode implements Executor
func (e *GatewayExecutor) Mode() Mode {
	return ModeGateway
}

// Start implements Executor. It returns once the gateway has accepted the run.
func (e *GatewayExecutor) Start(ctx context.Context, inv Invocation, onChunk ChunkFunc) (Handle, error) {
	if err := Validate(inv); err != nil {
		return nil, err
	}

	header := http.Header{}
	if e.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	conn, _, err := e.dialer.DialContext(ctx, e.cfg.URL, header)
	if err != nil {
		return nil, &StartError{Mode: ModeGateway, Err: err}
	}

	run := GatewayFrame{
		Type:      FrameRun,
		SessionID: inv.SessionID,
		AgentRef:  inv.AgentRef,
		Message:   inv.Input,
	}
	if err := conn.WriteJSON(run); err != nil {
		conn.Close()
		return nil, &StartError{Mode: ModeGateway, Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(e.cfg.HandshakeTimeout))
	var ack GatewayFrame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, &StartError{Mode: ModeGateway, Err: fmt.Errorf("waiting for accept: %w", err)}
	}
	if ack.Type != FrameAccepted {
		conn.Close()
		reason := ack.Error
		if reason == "" {
			reason = fmt.Sprintf("unexpected frame %q", ack.Type)
		}
		return nil, &StartError{Mode: ModeGateway, Err: errors.New(reason)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	h := &gatewayHandle{
		completion: newCompletion(),
		conn:       conn,
		sessionID:  inv.SessionID,
		grace:      e.cfg.KillGrace,
		logger:     e.logger.With().Str("session_id", inv.SessionID).Str("agent_ref", inv.AgentRef).Logger(),
	}
	go h.readLoop(time.Now(), onChunk)
	return h, nil
}

type gatewayHandle struct {
	*completion
	conn      *websocket.Conn
	sessionID string
	grace     time.Duration
	logger    zerolog.Logger

	writeMu   sync.Mutex
	cancelMu  sync.Mutex
	cancelled bool
}

func (h *gatewayHandle) readLoop(start time.Time, onChunk ChunkFunc) {
	defer h.conn.Close()

	output := session.NewOutputBuffer(session.MaxOutputBytes)
	for {
		var frame GatewayFrame
		if err := h.conn.ReadJSON(&frame); err != nil {
			result := Result{ExitCode: -1, Output: output.String(), Duration: time.Since(start)}
			if h.wasCancelled() {
				result.Err = ErrCancelled
			} else {
				result.Err = fmt.Errorf("%w: gateway connection lost: %v", ErrRuntimeFailed, err)
			}
			h.finish(result)
			return
		}

		switch frame.Type {
		case FrameChunk:
			output.Write(frame.Data)
			if onChunk != nil {
				onChunk(frame.Data)
			}
		case FrameExit:
			code := 0
			if frame.Code != nil {
				code = *frame.Code
			}
			result := Result{ExitCode: code, Output: output.String(), Duration: time.Since(start)}
			if h.wasCancelled() {
				result.Err = ErrCancelled
			}
			h.finish(result)
			return
		case FrameError:
			h.finish(Result{
				ExitCode: -1,
				Output:   output.String(),
				Err:      fmt.Errorf("%w: %s", ErrRuntimeFailed, frame.Error),
				Duration: time.Since(start),
			})
			return
		default:
			h.logger.Debug().Str("frame", frame.Type).Msg("Ignoring unknown gateway frame")
		}
	}
}

func (h *gatewayHandle) wasCancelled() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.cancelled
}

// Cancel asks the gateway to stop the run. The socket is closed right away
// for SIGKILL, otherwise after the grace period if the run is still going.
func (h *gatewayHandle) Cancel(sig Signal) error {
	if h.finished() {
		return nil
	}

	h.cancelMu.Lock()
	first := !h.cancelled
	h.cancelled = true
	h.cancelMu.Unlock()

	h.writeMu.Lock()
	err := h.conn.WriteJSON(GatewayFrame{Type: FrameCancel, SessionID: h.sessionID, Signal: string(sig)})
	h.writeMu.Unlock()

	if sig == SignalKill || err != nil {
		h.conn.Close()
		return nil
	}

	if first {
		go func() {
			select {
			case <-h.Done():
			case <-time.After(h.grace):
				h.logger.Warn().Msg("Gateway run ignored cancel, closing connection")
				h.conn.Close()
			}
		}()
	}
	return nil
}
