package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harun/parley/pkg/backend"
)

// RequestHandler handles the params of one RPC method
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Gateway-only RPC error codes; the JSON-RPC ones live in package backend
const (
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
)

// Persona is an assistant profile served by the gateway
type Persona struct {
	ID           string `json:"id" yaml:"id,omitempty" mapstructure:"id"`
	Name         string `json:"name" yaml:"name,omitempty" mapstructure:"name"`
	Greeting     string `json:"greeting" yaml:"greeting,omitempty" mapstructure:"greeting"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Model        string `json:"model" yaml:"model,omitempty" mapstructure:"model"`
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// DefaultMaxTokens is the context budget of a persona that names none
const DefaultMaxTokens = 128000

// ClientInfo describes a connected stream client
type ClientInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
}

func rpcError(id string, code int, message string, data *backend.ErrorRecord) *backend.RPCResponse {
	return &backend.RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error: &backend.RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
