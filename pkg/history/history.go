// Package history folds session events into an ordered, deduplicated
// message list and filters it for display.
//
// Invariants:
// - Every operation returns a new slice; inputs are never modified.
// - A message id appears at most once.
// - Events addressed to another session are dropped.
package history

import (
	"strings"

	"github.com/harun/parley/pkg/chat"
)

// DigestMarker prefixes the internal tool-result digest sent back to the model
const DigestMarker = "Tool results:"

// Predicate selects a message
type Predicate func(chat.Message) bool

// Patch transforms a message in place of the original
type Patch func(chat.Message) chat.Message

// Append returns a copy of h with msg appended
func Append(h []chat.Message, msg chat.Message) []chat.Message {
	out := make([]chat.Message, len(h), len(h)+1)
	copy(out, h)
	return append(out, msg)
}

// PatchLast applies patch to the last message matching pred. It returns the
// new history and whether a message was patched.
func PatchLast(h []chat.Message, pred Predicate, patch Patch) ([]chat.Message, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if !pred(h[i]) {
			continue
		}
		out := make([]chat.Message, len(h))
		copy(out, h)
		patched := patch(h[i].Clone())
		// Identity and position are fixed; only the payload may change
		patched.ID = h[i].ID
		patched.Role = h[i].Role
		out[i] = patched
		return out, true
	}
	return h, false
}

// AppendOrPatch patches the last message matching pred, or appends
// fallback when none matches.
func AppendOrPatch(h []chat.Message, pred Predicate, patch Patch, fallback chat.Message) []chat.Message {
	if out, ok := PatchLast(h, pred, patch); ok {
		return out
	}
	return Append(h, fallback)
}

// PendingToolCall matches an assistant message whose tool calls await an
// outcome. When callIDs are given, the message must carry at least one of them.
func PendingToolCall(callIDs ...string) Predicate {
	return func(m chat.Message) bool {
		if !m.HasPendingToolCalls() {
			return false
		}
		if len(callIDs) == 0 {
			return true
		}
		for _, tc := range m.ToolCalls {
			for _, id := range callIDs {
				if tc.ID == id {
					return true
				}
			}
		}
		return false
	}
}

// WithOutcome returns a patch that attaches results and errors to a message
func WithOutcome(results []chat.ToolResult, errs []chat.ToolError) Patch {
	return func(m chat.Message) chat.Message {
		m.ToolResults = append(m.ToolResults, results...)
		m.ToolErrors = append(m.ToolErrors, errs...)
		return m
	}
}

// Contains reports whether a message with the id exists in h
func Contains(h []chat.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range h {
		if m.ID == id {
			return true
		}
	}
	return false
}

// IsInternal reports whether a message is pipeline bookkeeping.
func IsInternal(m chat.Message) bool {
	switch m.Role {
	case chat.RoleSystem, chat.RoleTool:
		return true
	case chat.RoleUser, chat.RoleAssistant:
		return strings.HasPrefix(strings.TrimSpace(m.Content), DigestMarker)
	}
	return false
}

// Visible returns the messages meant for the human-facing transcript
func Visible(h []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(h))
	for _, m := range h {
		if IsInternal(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}
