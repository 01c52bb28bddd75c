package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/store"
	"github.com/rs/zerolog"
)

// MaxAttachmentSize bounds uploaded files and audio
const MaxAttachmentSize = 20 << 20

// TurnRunner produces one assistant turn
type TurnRunner interface {
	Run(ctx context.Context, params agent.RunParams) (agent.RunResult, error)
}

// ServiceConfig holds the collaborators of a Service
type ServiceConfig struct {
	Store    *store.Store
	Runner   TurnRunner
	Auth     *AuthHandler
	Personas []Persona

	// DefaultApprovalMode is the mode of new sessions, PROMPT when empty
	DefaultApprovalMode chat.ApprovalMode
	// Agent holds model defaults; persona settings override them
	Agent agent.AgentConfig

	StreamEndpoint string        // default "/stream"
	StreamTTL      time.Duration // how long a stream token may wait to be claimed, default 1m
	TurnWarnAfter  time.Duration // warn when a turn waits this long for its session, default 30s
	Logger         zerolog.Logger
}

// Service implements the backend contract on top of the session store and
// the agent runner. It is the in-process backend behind the RPC methods.
type Service struct {
	store        *store.Store
	runner       TurnRunner
	auth         *AuthHandler
	personas     map[string]Persona
	approvalMode chat.ApprovalMode
	agentConfig  agent.AgentConfig
	endpoint     string
	streamTTL    time.Duration
	streams      *StreamRegistry
	publisher    *EventPublisher
	turns        *commandqueue.Queue // one lane per session
	logger       zerolog.Logger
}

var _ backend.Backend = (*Service)(nil)

// NewService creates a service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth handler is required")
	}

	mode := cfg.DefaultApprovalMode
	if mode == "" {
		mode = chat.ApprovalPrompt
	}
	if _, err := chat.ParseApprovalMode(string(mode)); err != nil {
		return nil, err
	}

	personas := make(map[string]Persona, len(cfg.Personas))
	for _, p := range cfg.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona id is required")
		}
		personas[p.ID] = p
	}

	agentConfig := cfg.Agent
	if agentConfig == (agent.AgentConfig{}) {
		agentConfig = agent.DefaultConfig()
	}

	warnAfter := cfg.TurnWarnAfter
	if warnAfter <= 0 {
		warnAfter = 30 * time.Second
	}

	s := &Service{
		store:        cfg.Store,
		runner:       cfg.Runner,
		auth:         cfg.Auth,
		personas:     personas,
		approvalMode: mode,
		agentConfig:  agentConfig,
		endpoint:     cfg.StreamEndpoint,
		streamTTL:    cfg.StreamTTL,
		streams:      NewStreamRegistry(),
		publisher:    NewEventPublisher(cfg.Logger),
		turns:        commandqueue.New(commandqueue.WithWarnAfter(warnAfter), commandqueue.WithLogger(cfg.Logger)),
		logger:       cfg.Logger.With().Str("component", "gateway.service").Logger(),
	}
	if s.endpoint == "" {
		s.endpoint = "/stream"
	}
	if s.streamTTL <= 0 {
		s.streamTTL = time.Minute
	}
	return s, nil
}

// Close waits for queued turns to finish and refuses new ones
func (s *Service) Close() {
	s.turns.Close()
}

// Streams exposes the registry the stream endpoint reads from
func (s *Service) Streams() *StreamRegistry {
	return s.streams
}

// persona returns the configured persona. With no personas configured any
// id is accepted with defaults.
func (s *Service) persona(id string) (Persona, error) {
	if p, ok := s.personas[id]; ok {
		return p, nil
	}
	if len(s.personas) == 0 && id != "" {
		return Persona{ID: id}, nil
	}
	return Persona{}, backend.NotFound("persona %q not found", id)
}

func (s *Service) StartSession(ctx context.Context, req backend.StartSessionRequest) (*backend.SessionInfo, error) {
	persona, err := s.persona(req.PersonaID)
	if err != nil {
		return nil, err
	}

	maxTokens := persona.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	macros := chat.DedupeMacros(req.Macros)
	tools := chat.DedupeTools(append(append([]chat.ToolSpec(nil), req.Tools...), chat.ToolsOf(macros)...))

	now := time.Now()
	sess := store.Session{
		ID:           uuid.NewString(),
		PersonaID:    persona.ID,
		ApprovalMode: s.approvalMode,
		Tools:        tools,
		Macros:       macros,
		MaxTokens:    maxTokens,
		Created:      now,
		Updated:      now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if persona.Greeting != "" {
		greeting := chat.NewMessage(chat.RoleAssistant, persona.Greeting)
		if err := s.store.AppendMessage(ctx, sess.ID, greeting); err != nil {
			return nil, fmt.Errorf("store greeting: %w", err)
		}
	}
	s.refreshSessionGauge(ctx)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", sess.ID).
		Str("persona_id", persona.ID).
		Int("tools", len(tools)).
		Str("client", clientAddrFromContext(ctx)).
		Msg("Session started")

	return &backend.SessionInfo{
		ID:               sess.ID,
		ToolApprovalMode: sess.ApprovalMode,
		Tools:            tools,
		Macros:           macros,
		MaxTokens:        maxTokens,
	}, nil
}

func (s *Service) SendMessage(ctx context.Context, req backend.SendMessageRequest) (*backend.SendResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, backend.Invalid("message is empty")
	}
	sess, err := s.session(ctx, req.ChatSessionID)
	if err != nil {
		return nil, err
	}
	persona, err := s.persona(sess.PersonaID)
	if err != nil {
		return nil, err
	}

	user := chat.NewMessage(chat.RoleUser, req.Message)
	appendUser := func(ctx context.Context) error {
		if err := s.store.AppendMessage(ctx, sess.ID, user); err != nil {
			return s.mapStoreError(err, sess.ID)
		}
		return nil
	}

	// Turns of one session run in order, each seeing the previous reply
	if !req.Stream {
		var reply *chat.Message
		err := s.turns.Do(ctx, sess.ID, func(ctx context.Context) error {
			if err := appendUser(ctx); err != nil {
				return err
			}
			var err error
			reply, _, err = s.runTurn(ctx, sess, persona)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &backend.SendResult{Message: reply}, nil
	}

	token, expiry, err := s.auth.IssueStreamToken(sess.ID, s.streamTTL)
	if err != nil {
		return nil, err
	}
	ps := s.streams.Add(sess.ID, token, expiry, 0)

	// The turn outlives this request; the client picks it up on the stream
	accepted := make(chan error, 1)
	done := s.turns.Submit(tracing.Detach(ctx), sess.ID, func(ctx context.Context) error {
		if err := appendUser(ctx); err != nil {
			accepted <- err
			return err
		}
		accepted <- nil
		s.produceStream(ctx, ps, sess, persona)
		return nil
	})

	select {
	case err = <-accepted:
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.streams.Remove(token)
		return nil, err
	}

	return &backend.SendResult{Stream: &backend.StreamHandle{
		SessionID: sess.ID,
		Endpoint:  s.endpoint,
		Token:     token,
		Status:    "pending",
		Expiry:    expiry,
	}}, nil
}

func (s *Service) produceStream(ctx context.Context, ps *pendingStream, sess *store.Session, persona Persona) {
	defer ps.finish()

	reply, meta, err := s.runTurn(ctx, sess, persona)
	if err != nil {
		rec, ok := backend.AsErrorRecord(err)
		if !ok {
			rec = &backend.ErrorRecord{Message: err.Error(), Type: "agent", Code: backend.CodeUnavailable}
		}
		s.publisher.PublishError(ps, *rec)
		return
	}
	s.publisher.PublishReply(ps, *reply, meta)
}

// runTurn asks the model for the next assistant message and stores it
func (s *Service) runTurn(ctx context.Context, sess *store.Session, persona Persona) (*chat.Message, map[string]interface{}, error) {
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sess.ID), s.logger)

	history, err := s.store.Messages(ctx, sess.ID)
	if err != nil {
		return nil, nil, s.mapStoreError(err, sess.ID)
	}

	cfg := s.agentConfig
	if persona.SystemPrompt != "" {
		cfg.SystemPrompt = persona.SystemPrompt
	}
	if persona.Model != "" {
		cfg.Model = persona.Model
	}

	result, err := s.runner.Run(ctx, agent.RunParams{
		SessionID: sess.ID,
		History:   history,
		Tools:     sess.Tools,
		Config:    cfg,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Agent turn failed")
		return nil, nil, &backend.ErrorRecord{Message: err.Error(), Type: "agent", Code: backend.CodeUnavailable}
	}
	if result.Aborted {
		return nil, nil, &backend.ErrorRecord{Message: "turn aborted", Type: "agent", Code: backend.CodeUnavailable}
	}

	reply := chat.NewMessage(chat.RoleAssistant, result.Response)
	reply.SessionID = sess.ID
	for _, call := range result.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, call.Request())
	}
	if err := s.store.AppendMessage(ctx, sess.ID, reply); err != nil {
		return nil, nil, s.mapStoreError(err, sess.ID)
	}

	history = append(history, reply)
	tokenCount := agent.EstimateHistoryTokens(history)
	meta := map[string]interface{}{
		"tokenCount":    tokenCount,
		"maxTokens":     sess.MaxTokens,
		"tokenPressure": chat.TokenPressure(tokenCount, sess.MaxTokens),
		"provider":      result.Provider,
	}

	logger.Debug().
		Str("provider", result.Provider).
		Int("tool_calls", len(reply.ToolCalls)).
		Int("token_count", tokenCount).
		Msg("Agent turn stored")
	return &reply, meta, nil
}

func (s *Service) LoadSession(ctx context.Context, id string) (*backend.SessionSnapshot, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.Messages(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}
	files, err := s.store.Files(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}

	tokenCount := agent.EstimateHistoryTokens(history)
	return &backend.SessionSnapshot{
		ID:               sess.ID,
		PersonaID:        sess.PersonaID,
		History:          history,
		Tools:            sess.Tools,
		Macros:           sess.Macros,
		Files:            files,
		ToolApprovalMode: sess.ApprovalMode,
		TokenCount:       tokenCount,
		MaxTokens:        sess.MaxTokens,
		TokenPressure:    chat.TokenPressure(tokenCount, sess.MaxTokens),
		Created:          sess.Created,
		Updated:          sess.Updated,
	}, nil
}

func (s *Service) ListSessions(ctx context.Context, filter backend.Filter) ([]chat.SessionSummary, error) {
	list, err := s.store.ListSessions(ctx, store.ListFilter{
		PersonaID: filter.PersonaID,
		Query:     filter.Query,
		Limit:     filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

func (s *Service) DeleteSession(ctx context.Context, target backend.DeleteTarget) (bool, error) {
	if target.Empty() {
		return false, backend.Invalid("no sessions selected")
	}
	n, err := s.store.DeleteSessions(ctx, target.IDs, target.All)
	if err != nil {
		return false, err
	}
	s.refreshSessionGauge(ctx)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Bool("all", target.All).
		Strs("ids", target.IDs).
		Int("deleted", n).
		Msg("Sessions deleted")
	return n > 0, nil
}

func (s *Service) SetApprovalMode(ctx context.Context, mode chat.ApprovalMode, sessionID string) (*backend.ApprovalModeResult, error) {
	parsed, err := chat.ParseApprovalMode(string(mode))
	if err != nil {
		return nil, backend.Invalid("%v", err)
	}
	if err := s.store.SetApprovalMode(ctx, sessionID, parsed); err != nil {
		return nil, s.mapStoreError(err, sessionID)
	}
	return &backend.ApprovalModeResult{ID: sessionID, ToolApprovalMode: parsed}, nil
}

func (s *Service) AttachFile(ctx context.Context, file backend.File, sessionID string) (*chat.Message, error) {
	if file.Name == "" {
		return nil, backend.Invalid("file name is required")
	}
	msg, err := s.attach(ctx, sessionID, file.Name, file.MimeType, file.Data)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) AttachAudio(ctx context.Context, audio backend.Audio, sessionID string) (*chat.Message, error) {
	name := audio.Name
	if name == "" {
		name = fmt.Sprintf("voice-%d.webm", time.Now().Unix())
	}
	mime := audio.MimeType
	if mime == "" {
		mime = "audio/webm"
	}
	if !strings.HasPrefix(mime, "audio/") {
		return nil, backend.Invalid("audio mime type expected, got %q", mime)
	}
	return s.attach(ctx, sessionID, name, mime, audio.Data)
}

// attach stores an upload and records it as a user message in the session
func (s *Service) attach(ctx context.Context, sessionID, name, mime string, data []byte) (*chat.Message, error) {
	if len(data) == 0 {
		return nil, backend.Invalid("attachment %q is empty", name)
	}
	if len(data) > MaxAttachmentSize {
		return nil, backend.Invalid("attachment %q exceeds %d bytes", name, MaxAttachmentSize)
	}
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}

	fileID := uuid.NewString()
	if err := s.store.AddFile(ctx, store.File{
		ID:        fileID,
		SessionID: sessionID,
		Name:      name,
		MimeType:  mime,
		Data:      data,
	}); err != nil {
		return nil, s.mapStoreError(err, sessionID)
	}

	component := "file"
	if strings.HasPrefix(mime, "audio/") {
		component = "audio"
	}
	msg := chat.NewMessage(chat.RoleUser, fmt.Sprintf("Attached %s (%s, %d bytes)", name, mime, len(data)))
	msg.ID = fileID
	msg.SessionID = sessionID
	msg.Component = component
	if err := s.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return nil, s.mapStoreError(err, sessionID)
	}
	return &msg, nil
}

func (s *Service) session(ctx context.Context, id string) (*store.Session, error) {
	if id == "" {
		return nil, backend.Invalid("session id is required")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}
	return sess, nil
}

func (s *Service) mapStoreError(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return backend.NotFound("session %s not found", id)
	}
	return err
}

func (s *Service) refreshSessionGauge(ctx context.Context) {
	n, err := s.store.CountSessions(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to count sessions")
		return
	}
	observability.SetActiveSessions(n)
}
