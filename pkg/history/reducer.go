package history

import (
	"github.com/harun/parley/pkg/chat"
)

// EventKind discriminates reducer events
type EventKind string

const (
	EventAppended    EventKind = "appended"
	EventToolOutcome EventKind = "tool_outcome"
)

// Event is one inbound change to a session history
type Event struct {
	Kind      EventKind
	SessionID string

	// EventAppended
	Message chat.Message

	// EventToolOutcome
	ToolCallIDs []string
	Results     []chat.ToolResult
	Errors      []chat.ToolError
}

// Appended builds an append event
func Appended(sessionID string, msg chat.Message) Event {
	return Event{Kind: EventAppended, SessionID: sessionID, Message: msg}
}

// ToolOutcome builds an event that fills in the outcome of pending tool calls
func ToolOutcome(sessionID string, callIDs []string, results []chat.ToolResult, errs []chat.ToolError) Event {
	return Event{
		Kind:        EventToolOutcome,
		SessionID:   sessionID,
		ToolCallIDs: callIDs,
		Results:     results,
		Errors:      errs,
	}
}

// Reducer applies events for a single session
type Reducer struct {
	SessionID string
}

// Accepts reports whether an event belongs to the reducer's session.
// Events without a session id are local and always accepted.
func (r Reducer) Accepts(evt Event) bool {
	return evt.SessionID == "" || evt.SessionID == r.SessionID
}

// Apply folds one event into h and reports whether anything changed
func (r Reducer) Apply(h []chat.Message, evt Event) ([]chat.Message, bool) {
	if !r.Accepts(evt) {
		return h, false
	}

	switch evt.Kind {
	case EventAppended:
		msg := evt.Message
		msg.EnsureID()
		if Contains(h, msg.ID) {
			return h, false
		}
		if msg.SessionID == "" {
			msg.SessionID = r.SessionID
		}
		return Append(h, msg), true

	case EventToolOutcome:
		if len(evt.Results) == 0 && len(evt.Errors) == 0 {
			return h, false
		}
		fallback := chat.NewMessage(chat.RoleTool, "")
		fallback.SessionID = r.SessionID
		fallback.ToolResults = evt.Results
		fallback.ToolErrors = evt.Errors
		return AppendOrPatch(h, PendingToolCall(evt.ToolCallIDs...), WithOutcome(evt.Results, evt.Errors), fallback), true
	}

	return h, false
}

// Fold applies events in order
func (r Reducer) Fold(h []chat.Message, events ...Event) []chat.Message {
	for _, evt := range events {
		h, _ = r.Apply(h, evt)
	}
	return h
}
