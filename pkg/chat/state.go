package chat

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalMode is the session policy for running model tool calls
type ApprovalMode string

const (
	ApprovalAuto     ApprovalMode = "AUTO"
	ApprovalPrompt   ApprovalMode = "PROMPT"
	ApprovalSafeAuto ApprovalMode = "SAFE_AUTO"
)

// ParseApprovalMode parses a user-provided approval mode (case-insensitive)
func ParseApprovalMode(value string) (ApprovalMode, error) {
	mode := ApprovalMode(strings.ToUpper(strings.TrimSpace(value)))
	switch mode {
	case ApprovalAuto, ApprovalPrompt, ApprovalSafeAuto:
		return mode, nil
	case "SAFE-AUTO", "SAFEAUTO":
		return ApprovalSafeAuto, nil
	default:
		return "", fmt.Errorf("invalid approval mode %q", value)
	}
}

// Persona is the assistant profile a session is bound to
type Persona struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Greeting string `json:"greeting,omitempty" yaml:"greeting,omitempty"`
}

// FileRef describes a file attached to a session
type FileRef struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	MimeType string `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
	Size     int64  `json:"size" yaml:"size"`
}

// SessionSummary is a list entry for a persisted session
type SessionSummary struct {
	ID           string    `json:"id" yaml:"id"`
	PersonaID    string    `json:"personaId" yaml:"persona_id"`
	Title        string    `json:"title,omitempty" yaml:"title,omitempty"`
	MessageCount int       `json:"messageCount" yaml:"message_count"`
	Created      time.Time `json:"created" yaml:"created"`
	Updated      time.Time `json:"updated" yaml:"updated"`
}

// State is the full client-side state of one chat session
type State struct {
	ID               string       `json:"id,omitempty" yaml:"id,omitempty"`
	Persona          Persona      `json:"persona" yaml:"persona"`
	History          []Message    `json:"history" yaml:"history"`
	Macros           []MacroSpec  `json:"macros,omitempty" yaml:"macros,omitempty"`
	Tools            []ToolSpec   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Files            []FileRef    `json:"files,omitempty" yaml:"files,omitempty"`
	ToolApprovalMode ApprovalMode `json:"toolApprovalMode" yaml:"tool_approval_mode"`
	TokenCount       int          `json:"tokenCount" yaml:"token_count"`
	MaxTokens        int          `json:"maxTokens" yaml:"max_tokens"`
	TokenPressure    float64      `json:"tokenPressure" yaml:"token_pressure"`
	Started          time.Time    `json:"started" yaml:"started"`
	Updated          time.Time    `json:"updated" yaml:"updated"`
	Created          *time.Time   `json:"created,omitempty" yaml:"created,omitempty"`
}

// NewState creates an unpersisted session for a persona. The greeting, if
// any, becomes the first assistant message.
func NewState(persona Persona) State {
	now := time.Now()
	st := State{
		Persona:          persona,
		History:          []Message{},
		ToolApprovalMode: ApprovalPrompt,
		Started:          now,
		Updated:          now,
	}
	if persona.Greeting != "" {
		st.History = append(st.History, NewMessage(RoleAssistant, persona.Greeting))
	}
	return st
}

// Persisted reports whether the backend has assigned an id
func (s State) Persisted() bool {
	return s.ID != ""
}

// SetTokenUsage updates token accounting and recomputes pressure in [0,1]
func (s *State) SetTokenUsage(count, max int) {
	s.TokenCount = count
	s.MaxTokens = max
	s.TokenPressure = TokenPressure(count, max)
}

// TokenPressure returns count/max clamped to [0,1]
func TokenPressure(count, max int) float64 {
	if max <= 0 || count <= 0 {
		return 0
	}
	p := float64(count) / float64(max)
	if p > 1 {
		return 1
	}
	return p
}

// Clone returns a deep copy safe to hand out to callers
func (s State) Clone() State {
	out := s
	if s.History != nil {
		out.History = make([]Message, len(s.History))
		for i, m := range s.History {
			out.History[i] = m.Clone()
		}
	}
	if s.Macros != nil {
		out.Macros = append([]MacroSpec(nil), s.Macros...)
	}
	if s.Tools != nil {
		out.Tools = append([]ToolSpec(nil), s.Tools...)
	}
	if s.Files != nil {
		out.Files = append([]FileRef(nil), s.Files...)
	}
	if s.Created != nil {
		c := *s.Created
		out.Created = &c
	}
	return out
}
