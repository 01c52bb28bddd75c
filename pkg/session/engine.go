package session

import (
	"context"
	"fmt"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/macro"
	"github.com/harun/parley/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine is one chat session driven over a transport
type Engine interface {
	SendMessage(ctx context.Context, text string) error
	UploadFile(ctx context.Context, file backend.File) error
	SendAudio(ctx context.Context, audio backend.Audio) error
	SetToolApprovalMode(ctx context.Context, mode chat.ApprovalMode) error
	LoadChat(ctx context.Context, id string) error
	NewChat()
	DeleteChat(ctx context.Context, target backend.DeleteTarget) (bool, error)
	ListChats(ctx context.Context, filter backend.Filter) ([]chat.SessionSummary, error)
	Close() error

	State() chat.State
	Status() Status
	Visible() []chat.Message
	// Typing is the provisional reply being streamed, nil when none
	Typing() *chat.Message
	// Live reports whether the engine holds an initialized remote session
	Live() bool
	// Sessions is the session list cached by the last ListChats or DeleteChat
	Sessions() []chat.SessionSummary
	Streaming() bool
}

// Config holds the collaborators of an engine
type Config struct {
	Backend  backend.Backend
	Streamer backend.Streamer // streaming engines only
	Registry *macro.Registry
	Persona  chat.Persona
	UserRole string

	// Pipeline runs tool calls; one with default options is built when nil
	Pipeline *toolexecutor.Pipeline

	// OnChange, when set, receives a copy of the state after every change
	OnChange func(chat.State)

	Logger *zerolog.Logger
}

func (c Config) validate() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.Persona.ID == "" {
		return fmt.Errorf("persona is required")
	}
	return nil
}

// Buffered receives each assistant reply in a single response
type Buffered struct {
	*machine
}

// Streaming receives assistant replies as a token stream
type Streaming struct {
	*machine
}

// NewBuffered creates a buffered engine
func NewBuffered(cfg Config) (*Buffered, error) {
	m, err := newMachine(cfg, bufferedTransport{})
	if err != nil {
		return nil, err
	}
	return &Buffered{machine: m}, nil
}

// NewStreaming creates a streaming engine
func NewStreaming(cfg Config) (*Streaming, error) {
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	m, err := newMachine(cfg, &streamTransport{streamer: cfg.Streamer})
	if err != nil {
		return nil, err
	}
	return &Streaming{machine: m}, nil
}

func loggerOf(cfg Config) zerolog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger.With().Str("component", "session").Logger()
	}
	return log.With().Str("component", "session").Logger()
}
