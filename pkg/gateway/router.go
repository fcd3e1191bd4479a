package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
)

// RPCRouter maps method names to handlers. Requests that carry an
// idempotency key are answered from a replay cache while the key is fresh.
type RPCRouter struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	replay   *replayCache
}

// NewRPCRouter creates a router whose replayed responses live for ttl
// (five minutes when ttl <= 0)
func NewRPCRouter(ttl time.Duration) *RPCRouter {
	return &RPCRouter{
		handlers: make(map[string]RequestHandler),
		replay:   newReplayCache(ttl),
	}
}

// Handle registers handler under method, replacing any earlier one
func (r *RPCRouter) Handle(method string, handler RequestHandler) error {
	if method == "" {
		return fmt.Errorf("method name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", method)
	}
	r.mu.Lock()
	r.handlers[method] = handler
	r.mu.Unlock()
	return nil
}

// Methods lists the registered method names in order
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeRequest parses one JSON-RPC frame. The returned error is always an
// *RPCError.
func decodeRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// Dispatch runs the handler for req and converts its error into an RPC
// error code. It never returns nil.
func (r *RPCRouter) Dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	if req.IdempotencyKey != "" {
		if cached, ok := r.replay.get(req.Method, req.IdempotencyKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	resp := &RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	result, err := handler(ctx, req.Params)
	observability.RecordRPCRequest(req.Method, err == nil)
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}

	if req.IdempotencyKey != "" && replayable(resp) {
		r.replay.put(req.Method, req.IdempotencyKey, *resp)
	}
	return resp
}
