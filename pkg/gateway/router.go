package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/backend"
)

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
}

type cachedRPCResponse struct {
	response  backend.RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   5 * time.Minute,
		idempotencyCache: make(map[string]cachedRPCResponse),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*backend.RPCRequest, error) {
	var req backend.RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &backend.RPCError{
			Code:    backend.ParseError,
			Message: "Parse error: " + err.Error(),
		}
	}

	if req.ID == "" {
		return nil, &backend.RPCError{
			Code:    backend.InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}
	if req.Method == "" {
		return nil, &backend.RPCError{
			Code:    backend.InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}

	return &req, nil
}

// RouteRequest routes a request to its handler. Responses to requests that
// carry an idempotency key are replayed for repeated keys.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *backend.RPCRequest) *backend.RPCResponse {
	if req == nil {
		return rpcError("", backend.InvalidRequest, "invalid request", nil)
	}

	cacheKey := idempotencyCacheKey(req.Method, req.IdempotencyKey)
	if cacheKey != "" {
		if cached, ok := r.getCachedResponse(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return rpcError(req.ID, backend.MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)

	var response *backend.RPCResponse
	if err != nil {
		response = errorResponse(req.ID, err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			response = rpcError(req.ID, backend.InternalError, "failed to encode result: "+merr.Error(), nil)
		} else {
			response = &backend.RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: raw}
		}
	}

	code := 0
	if response.Error != nil {
		code = response.Error.Code
	}
	observability.RecordRPCRequest(req.Method, time.Since(start), code)

	// Failed transport-level calls are worth a retry, so only cache answers
	if cacheKey != "" && (response.Error == nil || response.Error.Data != nil) {
		r.cacheResponse(cacheKey, *response)
	}

	return response
}

// errorResponse maps handler errors onto RPC errors. Backend error records
// travel in the error data so clients can recover them with errors.As.
func errorResponse(id string, err error) *backend.RPCResponse {
	var rpcErr *backend.RPCError
	if errors.As(err, &rpcErr) {
		return rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	if rec, ok := backend.AsErrorRecord(err); ok {
		code := backend.BackendError
		if rec.Code == backend.CodeInvalid {
			code = backend.InvalidParams
		}
		return rpcError(id, code, rec.Message, rec)
	}
	return rpcError(id, backend.InternalError, err.Error(), nil)
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	return methods
}

func idempotencyCacheKey(method string, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}

func (r *RPCRouter) getCachedResponse(key string) (backend.RPCResponse, bool) {
	r.mu.RLock()
	entry, exists := r.idempotencyCache[key]
	r.mu.RUnlock()
	if !exists {
		return backend.RPCResponse{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		r.mu.Lock()
		if current, ok := r.idempotencyCache[key]; ok && now.After(current.expiresAt) {
			delete(r.idempotencyCache, key)
		}
		r.mu.Unlock()
		return backend.RPCResponse{}, false
	}

	return cloneRPCResponse(entry.response), true
}

func (r *RPCRouter) cacheResponse(key string, response backend.RPCResponse) {
	now := time.Now()

	r.mu.Lock()
	r.idempotencyCache[key] = cachedRPCResponse{
		response:  cloneRPCResponse(response),
		expiresAt: now.Add(r.idempotencyTTL),
	}
	for cacheKey, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, cacheKey)
		}
	}
	r.mu.Unlock()
}

func cloneRPCResponse(src backend.RPCResponse) backend.RPCResponse {
	cloned := backend.RPCResponse{
		ID:      src.ID,
		JSONRPC: src.JSONRPC,
	}
	if src.Result != nil {
		cloned.Result = append(json.RawMessage(nil), src.Result...)
	}
	if src.Error != nil {
		errCopy := *src.Error
		if src.Error.Data != nil {
			rec := *src.Error.Data
			errCopy.Data = &rec
		}
		cloned.Error = &errCopy
	}
	return cloned
}
