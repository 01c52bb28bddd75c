package backend

import (
	"context"
	"time"

	"github.com/harun/parley/pkg/chat"
)

// Backend is the request/response side of the remote backend
type Backend interface {
	StartSession(ctx context.Context, req StartSessionRequest) (*SessionInfo, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*SendResult, error)
	LoadSession(ctx context.Context, id string) (*SessionSnapshot, error)
	ListSessions(ctx context.Context, filter Filter) ([]chat.SessionSummary, error)
	DeleteSession(ctx context.Context, target DeleteTarget) (bool, error)
	SetApprovalMode(ctx context.Context, mode chat.ApprovalMode, sessionID string) (*ApprovalModeResult, error)
	AttachFile(ctx context.Context, file File, sessionID string) (*chat.Message, error)
	AttachAudio(ctx context.Context, audio Audio, sessionID string) (*chat.Message, error)
}

// StartSessionRequest creates a session for a persona
type StartSessionRequest struct {
	PersonaID string           `json:"personaId"`
	Macros    []chat.MacroSpec `json:"clientMacros,omitempty"`
	Tools     []chat.ToolSpec  `json:"clientTools,omitempty"`
}

// SessionInfo is the backend's answer to StartSession
type SessionInfo struct {
	ID               string            `json:"id"`
	ToolApprovalMode chat.ApprovalMode `json:"toolApprovalMode"`
	Tools            []chat.ToolSpec   `json:"tools,omitempty"`
	Macros           []chat.MacroSpec  `json:"macros,omitempty"`
	TokenCount       int               `json:"tokenCount"`
	MaxTokens        int               `json:"maxTokens"`
	TokenPressure    float64           `json:"tokenPressure"`
}

// SendMessageRequest sends one user turn
type SendMessageRequest struct {
	Message       string `json:"message"`
	PersonaID     string `json:"personaId"`
	ChatSessionID string `json:"chatSessionId"`
	Stream        bool   `json:"stream,omitempty"`
}

// SendResult is either the reply message or a handle to stream it
type SendResult struct {
	Message *chat.Message `json:"message,omitempty"`
	Stream  *StreamHandle `json:"stream,omitempty"`
}

// SessionSnapshot is the full persisted state of a session
type SessionSnapshot struct {
	ID               string            `json:"id"`
	PersonaID        string            `json:"personaId"`
	History          []chat.Message    `json:"history"`
	Tools            []chat.ToolSpec   `json:"tools,omitempty"`
	Macros           []chat.MacroSpec  `json:"macros,omitempty"`
	Files            []chat.FileRef    `json:"files,omitempty"`
	ToolApprovalMode chat.ApprovalMode `json:"toolApprovalMode"`
	TokenCount       int               `json:"tokenCount"`
	MaxTokens        int               `json:"maxTokens"`
	TokenPressure    float64           `json:"tokenPressure"`
	Created          time.Time         `json:"created"`
	Updated          time.Time         `json:"updated"`
}

// State converts the snapshot into client state. Tools and macros are
// deduplicated, first occurrence wins.
func (s SessionSnapshot) State(persona chat.Persona) chat.State {
	if persona.ID == "" {
		persona.ID = s.PersonaID
	}
	created := s.Created
	history := make([]chat.Message, 0, len(s.History))
	for _, m := range s.History {
		m = m.Clone()
		m.EnsureID()
		if m.SessionID == "" {
			m.SessionID = s.ID
		}
		history = append(history, m)
	}
	return chat.State{
		ID:               s.ID,
		Persona:          persona,
		History:          history,
		Macros:           chat.DedupeMacros(s.Macros),
		Tools:            chat.DedupeTools(s.Tools),
		Files:            append([]chat.FileRef(nil), s.Files...),
		ToolApprovalMode: s.ToolApprovalMode,
		TokenCount:       s.TokenCount,
		MaxTokens:        s.MaxTokens,
		TokenPressure:    s.TokenPressure,
		Started:          time.Now(),
		Updated:          s.Updated,
		Created:          &created,
	}
}

// Filter narrows ListSessions
type Filter struct {
	PersonaID string `json:"personaId,omitempty"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ApprovalModeResult echoes the mode the backend stored
type ApprovalModeResult struct {
	ID               string            `json:"id"`
	ToolApprovalMode chat.ApprovalMode `json:"toolApprovalMode"`
}

// File is an uploaded document
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

// Audio is a recorded voice message
type Audio struct {
	Name       string `json:"name,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Data       []byte `json:"data"`
	DurationMS int    `json:"durationMs,omitempty"`
}
