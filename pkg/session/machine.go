package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/macro"
	"github.com/harun/parley/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// transport is the part of an engine that exchanges one turn with the backend
type transport interface {
	exchange(ctx context.Context, m *machine, req backend.SendMessageRequest) (*chat.Message, error)
	close() error
	streaming() bool
}

type machine struct {
	backend   backend.Backend
	registry  *macro.Registry
	pipeline  *toolexecutor.Pipeline
	transport transport
	persona   chat.Persona
	userRole  string
	onChange  func(chat.State)
	logger    zerolog.Logger

	busy   atomic.Bool
	initMu sync.Mutex

	mu           sync.Mutex
	state        chat.State
	initializing bool
	initialized  bool
	terminated   bool
	typing       *chat.Message
	sessions     []chat.SessionSummary
}

func newMachine(cfg Config, t transport) (*machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pipeline := cfg.Pipeline
	if pipeline == nil {
		p, err := toolexecutor.NewPipeline(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("create pipeline: %w", err)
		}
		pipeline = p
	}

	return &machine{
		backend:   cfg.Backend,
		registry:  cfg.Registry,
		pipeline:  pipeline,
		transport: t,
		persona:   cfg.Persona,
		userRole:  cfg.UserRole,
		onChange:  cfg.OnChange,
		logger:    loggerOf(cfg),
		state:     chat.NewState(cfg.Persona),
	}, nil
}

// State returns a copy of the session state
func (m *machine) State() chat.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.terminated:
		return StatusTerminated
	case m.initializing:
		return StatusInitializing
	case m.busy.Load():
		return StatusBusy
	case m.initialized:
		return StatusActive
	default:
		return StatusUninitialized
	}
}

func (m *machine) Visible() []chat.Message {
	return history.Visible(m.State().History)
}

func (m *machine) Typing() *chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typing == nil {
		return nil
	}
	t := m.typing.Clone()
	return &t
}

func (m *machine) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.terminated && m.state.ID != ""
}

func (m *machine) Sessions() []chat.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.SessionSummary(nil), m.sessions...)
}

func (m *machine) Streaming() bool {
	return m.transport.streaming()
}

// UserRole implements macro.Host
func (m *machine) UserRole() string {
	return m.userRole
}

// Registry implements macro.Host
func (m *machine) Registry() *macro.Registry {
	return m.registry
}

// SendMessage sends one user turn. Text starting with the macro sigil runs
// the macro locally instead.
func (m *machine) SendMessage(ctx context.Context, text string) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	if strings.TrimSpace(text) == "" {
		m.diagnose(ErrEmptyMessage)
		return ErrEmptyMessage
	}
	sessionID, err := m.ensureSession(ctx)
	if err != nil {
		m.appendError("", err)
		return err
	}
	if macro.IsInvocation(text) {
		return m.runMacro(ctx, text)
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	user := chat.NewMessage(chat.RoleUser, text)
	user.SessionID = sessionID
	m.dispatch(history.Appended(sessionID, user))

	reply, err := m.exchange(ctx, sessionID, text)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to send message")
		m.appendError(sessionID, err)
		return err
	}
	return m.handleReply(ctx, sessionID, reply)
}

// UploadFile attaches a file to the session
func (m *machine) UploadFile(ctx context.Context, file backend.File) error {
	return m.attach(ctx, "file", func(ctx context.Context, sessionID string) (*chat.Message, error) {
		msg, err := m.backend.AttachFile(ctx, file, sessionID)
		if err == nil {
			m.mu.Lock()
			if m.state.ID == sessionID {
				m.state.Files = append(m.state.Files, chat.FileRef{
					ID:       msg.ID,
					Name:     file.Name,
					MimeType: file.MimeType,
					Size:     int64(len(file.Data)),
				})
			}
			m.mu.Unlock()
		}
		return msg, err
	})
}

// SendAudio sends a voice message to the session
func (m *machine) SendAudio(ctx context.Context, audio backend.Audio) error {
	return m.attach(ctx, "audio", func(ctx context.Context, sessionID string) (*chat.Message, error) {
		return m.backend.AttachAudio(ctx, audio, sessionID)
	})
}

func (m *machine) attach(ctx context.Context, kind string, call func(context.Context, string) (*chat.Message, error)) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	sessionID, err := m.ensureSession(ctx)
	if err != nil {
		m.appendError("", err)
		return err
	}

	msg, err := call(ctx, sessionID)
	if err != nil {
		m.logger.Error().Err(err).Str("kind", kind).Str("session_id", sessionID).Msg("Failed to attach")
		err = fmt.Errorf("attach %s: %w", kind, err)
		m.appendError(sessionID, err)
		return err
	}
	if msg == nil {
		return nil
	}
	normalized := m.normalize(*msg, sessionID)
	return m.handleReply(ctx, sessionID, &normalized)
}

// SetToolApprovalMode stores the mode remotely, then locally with the value
// the backend confirmed. It is also the macro.Host hook, so it does not take
// the busy guard.
func (m *machine) SetToolApprovalMode(ctx context.Context, mode chat.ApprovalMode) error {
	parsed, err := chat.ParseApprovalMode(string(mode))
	if err != nil {
		return err
	}

	sessionID, err := m.ensureSession(ctx)
	if err != nil {
		return err
	}

	res, err := m.backend.SetApprovalMode(ctx, parsed, sessionID)
	if err != nil {
		return fmt.Errorf("set approval mode: %w", err)
	}
	confirmed := parsed
	if res != nil && res.ToolApprovalMode != "" {
		confirmed = res.ToolApprovalMode
	}

	m.mu.Lock()
	changed := m.state.ID == sessionID
	if changed {
		m.state.ToolApprovalMode = confirmed
		m.state.Updated = time.Now()
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info().Str("session_id", sessionID).Str("mode", string(confirmed)).Msg("Tool approval mode changed")
		m.notify()
	}
	return nil
}

// LoadChat replaces the state with the persisted session
func (m *machine) LoadChat(ctx context.Context, id string) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	snap, err := m.backend.LoadSession(ctx, id)
	observability.RecordSessionLoad(time.Since(start))
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}

	_ = m.transport.close()

	persona := m.persona
	if snap.PersonaID != "" && snap.PersonaID != persona.ID {
		persona = chat.Persona{ID: snap.PersonaID}
	}

	m.mu.Lock()
	m.state = snap.State(persona)
	m.initialized = true
	m.typing = nil
	m.mu.Unlock()

	m.logger.Info().Str("session_id", snap.ID).Int("messages", len(snap.History)).Msg("Session loaded")
	m.notify()
	return nil
}

// NewChat drops the current session and starts an uninitialized one
func (m *machine) NewChat() {
	_ = m.transport.close()

	m.mu.Lock()
	m.state = chat.NewState(m.persona)
	m.initialized = false
	m.terminated = false
	m.typing = nil
	m.mu.Unlock()

	m.notify()
}

// DeleteChat removes sessions remotely. Deleting the active session starts
// a new chat.
func (m *machine) DeleteChat(ctx context.Context, target backend.DeleteTarget) (bool, error) {
	if target.Empty() {
		return false, fmt.Errorf("no sessions selected")
	}

	ok, err := m.backend.DeleteSession(ctx, target)
	if err != nil {
		return false, fmt.Errorf("delete sessions: %w", err)
	}

	current := m.State().ID
	if current != "" && target.Matches(current) {
		m.NewChat()
	}

	if _, err := m.ListChats(ctx, backend.Filter{PersonaID: m.persona.ID}); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to refresh session list")
	}
	return ok, nil
}

// ListChats queries session summaries. It never touches the active session.
func (m *machine) ListChats(ctx context.Context, filter backend.Filter) ([]chat.SessionSummary, error) {
	list, err := m.backend.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	m.mu.Lock()
	m.sessions = append([]chat.SessionSummary(nil), list...)
	m.mu.Unlock()
	return list, nil
}

// Close closes any open stream and terminates the engine
func (m *machine) Close() error {
	err := m.transport.close()

	m.mu.Lock()
	m.terminated = true
	m.initialized = false
	m.initializing = false
	m.typing = nil
	m.mu.Unlock()

	m.notify()
	return err
}

// ApplyToolOutcome implements toolexecutor.Session
func (m *machine) ApplyToolOutcome(sessionID string, callIDs []string, results []chat.ToolResult, errs []chat.ToolError) {
	m.dispatch(history.ToolOutcome(sessionID, callIDs, results, errs))
}

// Forward implements toolexecutor.Session: the digest goes out as a user
// turn over the engine's own transport.
func (m *machine) Forward(ctx context.Context, sessionID, digest string) (*chat.Message, error) {
	if sessionID == "" || m.State().ID != sessionID {
		return nil, toolexecutor.ErrSessionChanged
	}
	turn := chat.NewMessage(chat.RoleUser, digest)
	turn.SessionID = sessionID
	m.dispatch(history.Appended(sessionID, turn))

	reply, err := m.exchange(ctx, sessionID, digest)
	if err != nil {
		return nil, err
	}
	m.dispatch(history.Appended(sessionID, *reply))
	return reply, nil
}

func (m *machine) acquire() (func(), error) {
	m.mu.Lock()
	terminated := m.terminated
	m.mu.Unlock()
	if terminated {
		return nil, ErrTerminated
	}
	if !m.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { m.busy.Store(false) }, nil
}

// ensureSession creates the remote session on first use and returns its id
func (m *machine) ensureSession(ctx context.Context) (string, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if m.state.ID != "" {
		id := m.state.ID
		m.mu.Unlock()
		return id, nil
	}
	if m.terminated {
		m.mu.Unlock()
		return "", ErrTerminated
	}
	m.initializing = true
	personaID := m.state.Persona.ID
	m.mu.Unlock()

	specs := m.registry.Specs()
	info, err := m.backend.StartSession(ctx, backend.StartSessionRequest{
		PersonaID: personaID,
		Macros:    specs,
		Tools:     chat.ToolsOf(specs),
	})

	m.mu.Lock()
	m.initializing = false
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("start session: %w", err)
	}
	if info == nil || info.ID == "" {
		m.mu.Unlock()
		return "", fmt.Errorf("start session: backend returned no session id")
	}

	now := time.Now()
	m.state.ID = info.ID
	m.state.Created = &now
	m.state.Updated = now
	if info.ToolApprovalMode != "" {
		m.state.ToolApprovalMode = info.ToolApprovalMode
	}
	macros := info.Macros
	if len(macros) == 0 {
		macros = specs
	}
	m.state.Macros = chat.DedupeMacros(macros)
	m.state.Tools = chat.DedupeTools(append(append([]chat.ToolSpec(nil), info.Tools...), chat.ToolsOf(m.state.Macros)...))
	m.state.SetTokenUsage(info.TokenCount, info.MaxTokens)
	for i := range m.state.History {
		if m.state.History[i].SessionID == "" {
			m.state.History[i].SessionID = info.ID
		}
	}
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info().Str("session_id", info.ID).Str("persona_id", personaID).Msg("Session started")
	m.notify()
	return info.ID, nil
}

func (m *machine) exchange(ctx context.Context, sessionID, text string) (*chat.Message, error) {
	reply, err := m.transport.exchange(ctx, m, backend.SendMessageRequest{
		Message:       text,
		PersonaID:     m.persona.ID,
		ChatSessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("backend returned no reply")
	}
	normalized := m.normalize(*reply, sessionID)
	return &normalized, nil
}

func (m *machine) normalize(msg chat.Message, sessionID string) chat.Message {
	msg.EnsureID()
	if msg.Role == "" {
		msg.Role = chat.RoleAssistant
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].Type == "" {
			msg.ToolCalls[i].Type = "function"
		}
	}
	return msg
}

// handleReply appends a reply and runs the tool pipeline when it asks for tools
func (m *machine) handleReply(ctx context.Context, sessionID string, reply *chat.Message) error {
	m.dispatch(history.Appended(sessionID, *reply))
	if len(reply.ToolCalls) == 0 {
		return nil
	}
	if current := m.State().ID; current != sessionID {
		m.logger.Debug().
			Str("session_id", sessionID).
			Str("current_session_id", current).
			Int("tool_calls", len(reply.ToolCalls)).
			Msg("Session changed, skipping tool calls of late reply")
		return nil
	}

	if err := m.pipeline.Run(ctx, m, *reply); err != nil {
		m.appendError(sessionID, err)
		return err
	}
	return nil
}

func (m *machine) runMacro(ctx context.Context, text string) error {
	state := m.State()

	call := m.registry.Parse(text)
	if call == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownMacro, strings.Fields(text)[0])
		m.diagnose(err)
		return err
	}

	name := call.Definition.QualifiedName()
	msg, err := macro.Invoke(ctx, call.Definition, call.Args, state, m)
	if err != nil {
		observability.RecordMacroAudit(ctx, state.ID, name, "failure", map[string]interface{}{"error": err.Error()})
		m.logger.Warn().Err(err).Str("macro", name).Msg("Macro failed")
		m.appendError(state.ID, err)
		return err
	}
	observability.RecordMacroAudit(ctx, state.ID, name, "success", nil)

	if msg == nil {
		return nil
	}
	out := msg.Clone()
	out.EnsureID()
	if out.Role == "" {
		out.Role = chat.RoleAssistant
	}
	if out.Component == "" {
		out.Component = name
	}
	m.dispatch(history.Appended(state.ID, out))
	return nil
}

// diagnose shows a local validation error to elevated roles only
func (m *machine) diagnose(err error) {
	if !chat.IsElevated(m.userRole) {
		return
	}
	msg := chat.NewMessage(chat.RoleAssistant, err.Error())
	m.dispatch(history.Appended(m.State().ID, msg))
}

// appendError records a transport or execution failure in the transcript
func (m *machine) appendError(sessionID string, err error) {
	if sessionID == "" {
		sessionID = m.State().ID
	}
	msg := chat.NewMessage(chat.RoleError, chat.DisplayError(err, m.userRole))
	m.dispatch(history.Appended(sessionID, msg))
}

// setTyping publishes the provisional streamed reply of sessionID
func (m *machine) setTyping(sessionID string, msg *chat.Message) {
	m.mu.Lock()
	if m.terminated || m.state.ID != sessionID {
		m.mu.Unlock()
		return
	}
	if msg == nil {
		m.typing = nil
	} else {
		t := msg.Clone()
		m.typing = &t
	}
	m.mu.Unlock()
	m.notify()
}

// setTokenUsage updates accounting reported by the backend for sessionID
func (m *machine) setTokenUsage(sessionID string, count, max int) {
	m.mu.Lock()
	if m.state.ID == sessionID && max > 0 {
		m.state.SetTokenUsage(count, max)
	}
	m.mu.Unlock()
}

// dispatch folds one event into the history through the reducer
func (m *machine) dispatch(evt history.Event) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	reducer := history.Reducer{SessionID: m.state.ID}
	next, changed := reducer.Apply(m.state.History, evt)
	if changed {
		m.state.History = next
		m.state.Updated = time.Now()
	}
	m.mu.Unlock()

	if !changed {
		m.logger.Debug().
			Str("event", string(evt.Kind)).
			Str("event_session_id", evt.SessionID).
			Msg("Dropped history event")
		return
	}
	m.notify()
}

func (m *machine) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.State())
}
