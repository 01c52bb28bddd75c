package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/parley/pkg/chat"
)

// StreamHandle tells the client where to pick up a streamed reply
type StreamHandle struct {
	SessionID string            `json:"sessionId"`
	Endpoint  string            `json:"endpoint"`
	Token     string            `json:"token"`
	Status    string            `json:"status"`
	Expiry    time.Time         `json:"expiry"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Expired reports whether the handle can no longer be opened
func (h StreamHandle) Expired(now time.Time) bool {
	return !h.Expiry.IsZero() && now.After(h.Expiry)
}

// Streamer opens the server-push side of the backend
type Streamer interface {
	OpenStream(ctx context.Context, handle StreamHandle) (Stream, error)
}

// Stream yields events until a complete or error event; after that Recv
// returns io.EOF.
type Stream interface {
	Recv(ctx context.Context) (StreamEvent, error)
	Close() error
}

// EventType discriminates stream events
type EventType string

const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one frame of a stream
type StreamEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TokenData is the payload of a token event
type TokenData struct {
	Token string `json:"token"`
}

// CompleteData is the payload of a complete event
type CompleteData struct {
	MessageID string                 `json:"messageId"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func newEvent(t EventType, data interface{}) StreamEvent {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(ErrorRecord{Message: err.Error(), Code: CodeInternal})
		t = EventError
	}
	return StreamEvent{Type: t, Data: raw}
}

// TokenEvent builds a token event
func TokenEvent(token string) StreamEvent {
	return newEvent(EventToken, TokenData{Token: token})
}

// ToolCallEvent builds a tool_call event
func ToolCallEvent(call chat.ToolCallRequest) StreamEvent {
	return newEvent(EventToolCall, call)
}

// CompleteEvent builds a complete event
func CompleteEvent(messageID string, metadata map[string]interface{}) StreamEvent {
	return newEvent(EventComplete, CompleteData{MessageID: messageID, Metadata: metadata})
}

// ErrorEvent builds an error event
func ErrorEvent(rec ErrorRecord) StreamEvent {
	return newEvent(EventError, rec)
}

// Token decodes a token event
func (e StreamEvent) Token() (string, error) {
	var d TokenData
	if err := e.decode(EventToken, &d); err != nil {
		return "", err
	}
	return d.Token, nil
}

// ToolCall decodes a tool_call event
func (e StreamEvent) ToolCall() (chat.ToolCallRequest, error) {
	var call chat.ToolCallRequest
	if err := e.decode(EventToolCall, &call); err != nil {
		return chat.ToolCallRequest{}, err
	}
	if call.Type == "" {
		call.Type = "function"
	}
	return call, nil
}

// Complete decodes a complete event
func (e StreamEvent) Complete() (CompleteData, error) {
	var d CompleteData
	err := e.decode(EventComplete, &d)
	return d, err
}

// Record decodes an error event
func (e StreamEvent) Record() (*ErrorRecord, error) {
	var rec ErrorRecord
	if err := e.decode(EventError, &rec); err != nil {
		return nil, err
	}
	if rec.Code == "" {
		rec.Code = CodeStream
	}
	return &rec, nil
}

// Terminal reports whether no event follows this one
func (e StreamEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

func (e StreamEvent) decode(want EventType, v interface{}) error {
	if e.Type != want {
		return fmt.Errorf("event is %q, not %q", e.Type, want)
	}
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", want, err)
	}
	return nil
}
