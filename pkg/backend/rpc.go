package backend

import "encoding/json"

// JSON-RPC methods served by the reference gateway
const (
	MethodStart        = "chat.start"
	MethodSend         = "chat.send"
	MethodLoad         = "chat.load"
	MethodList         = "chat.list"
	MethodDelete       = "chat.delete"
	MethodApprovalMode = "chat.approval_mode"
	MethodAttachFile   = "chat.attach_file"
	MethodAttachAudio  = "chat.attach_audio"
)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	BackendError           = -32010
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error. Backend error records travel
// in Data.
type RPCError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    *ErrorRecord `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// Unwrap exposes the carried error record to errors.As
func (e *RPCError) Unwrap() error {
	if e.Data == nil {
		return nil
	}
	return e.Data
}

// Params of the JSON-RPC methods that do not map to a single request type

type LoadParams struct {
	ID string `json:"id"`
}

type DeleteParams struct {
	Target DeleteTarget `json:"target"`
}

type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

type ApprovalModeParams struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"toolApprovalMode"`
}

type AttachFileParams struct {
	SessionID string `json:"sessionId"`
	File      File   `json:"file"`
}

type AttachAudioParams struct {
	SessionID string `json:"sessionId"`
	Audio     Audio  `json:"audio"`
}
