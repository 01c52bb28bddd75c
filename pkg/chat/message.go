package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// ToolCallFunction is the function part of a tool call
type ToolCallFunction struct {
	Name      string          `json:"name" yaml:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// ToolCallRequest is a single invocation requested by the remote model
type ToolCallRequest struct {
	ID       string           `json:"id" yaml:"id"`
	Type     string           `json:"type" yaml:"type"`
	Function ToolCallFunction `json:"function" yaml:"function"`
}

// NewToolCall builds a function-typed tool call. Arguments are marshaled to JSON.
func NewToolCall(id, name string, args interface{}) ToolCallRequest {
	call := ToolCallRequest{
		ID:   id,
		Type: "function",
		Function: ToolCallFunction{
			Name: name,
		},
	}
	if args != nil {
		if raw, ok := args.(json.RawMessage); ok {
			call.Function.Arguments = raw
		} else if data, err := json.Marshal(args); err == nil {
			call.Function.Arguments = data
		}
	}
	return call
}

// Params decodes the call arguments into a map. Empty arguments yield an empty map.
func (c ToolCallRequest) Params() (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if len(c.Function.Arguments) == 0 {
		return params, nil
	}

	// Some providers double-encode the argument object as a JSON string
	var encoded string
	if err := json.Unmarshal(c.Function.Arguments, &encoded); err == nil {
		if encoded == "" {
			return params, nil
		}
		if err := json.Unmarshal([]byte(encoded), &params); err != nil {
			return nil, err
		}
		return params, nil
	}

	if err := json.Unmarshal(c.Function.Arguments, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// ToolResult is the successful outcome of one tool call
type ToolResult struct {
	ToolCallID string `json:"tool_call_id" yaml:"tool_call_id"`
	Name       string `json:"name" yaml:"name"`
	Content    string `json:"content" yaml:"content"`
}

// ToolError is the failed outcome of one tool call, or a pipeline-level error
type ToolError struct {
	ToolCallID string `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	Name       string `json:"name" yaml:"name"`
	Message    string `json:"message" yaml:"message"`
}

// Message is one entry of a session history
type Message struct {
	ID          string            `json:"id" yaml:"id"`
	Role        Role              `json:"role" yaml:"role"`
	Content     string            `json:"content,omitempty" yaml:"content,omitempty"`
	SessionID   string            `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp" yaml:"timestamp"`
	ToolCalls   []ToolCallRequest `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty" yaml:"tool_results,omitempty"`
	ToolErrors  []ToolError       `json:"tool_errors,omitempty" yaml:"tool_errors,omitempty"`
	Component   string            `json:"component,omitempty" yaml:"component,omitempty"`
	Rating      *int              `json:"rating,omitempty" yaml:"rating,omitempty"`
}

// NewMessage creates a message with a fresh id and the current timestamp
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// EnsureID fills in a missing id and timestamp
func (m *Message) EnsureID() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
}

// HasPendingToolCalls reports whether the message is an assistant tool
// invocation whose outcome has not been filled in yet.
func (m Message) HasPendingToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0 && m.Content == ""
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Function.Arguments != nil {
				out.ToolCalls[i].Function.Arguments = append(json.RawMessage(nil), tc.Function.Arguments...)
			}
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	if m.ToolErrors != nil {
		out.ToolErrors = append([]ToolError(nil), m.ToolErrors...)
	}
	if m.Rating != nil {
		r := *m.Rating
		out.Rating = &r
	}
	return out
}
