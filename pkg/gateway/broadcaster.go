package gateway

import (
	"strings"
	"unicode"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/rs/zerolog"
)

// EventPublisher turns assistant turns into stream events
type EventPublisher struct {
	logger zerolog.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{logger: logger}
}

// PublishReply emits the reply content as token events, then its tool calls,
// then a complete event. It returns false if the stream was abandoned.
func (p *EventPublisher) PublishReply(ps *pendingStream, reply chat.Message, metadata map[string]interface{}) bool {
	sent := 0
	for _, token := range chunkTokens(reply.Content) {
		if !ps.publish(backend.TokenEvent(token)) {
			p.abandoned(ps, sent)
			return false
		}
		sent++
	}
	for _, call := range reply.ToolCalls {
		if !ps.publish(backend.ToolCallEvent(call)) {
			p.abandoned(ps, sent)
			return false
		}
		sent++
	}
	if !ps.publish(backend.CompleteEvent(reply.ID, metadata)) {
		p.abandoned(ps, sent)
		return false
	}

	p.logger.Debug().
		Str("session_id", ps.sessionID).
		Int("events", sent+1).
		Int("tool_calls", len(reply.ToolCalls)).
		Msg("Stream reply published")
	return true
}

// PublishError emits a terminal error event
func (p *EventPublisher) PublishError(ps *pendingStream, rec backend.ErrorRecord) bool {
	if !ps.publish(backend.ErrorEvent(rec)) {
		p.abandoned(ps, 0)
		return false
	}
	p.logger.Debug().
		Str("session_id", ps.sessionID).
		Str("code", rec.Code).
		Msg("Stream error published")
	return true
}

func (p *EventPublisher) abandoned(ps *pendingStream, sent int) {
	p.logger.Warn().
		Str("session_id", ps.sessionID).
		Int("sent", sent).
		Msg("Stream abandoned before completion")
}

// chunkTokens splits text into word tokens, each keeping its trailing
// whitespace, so that joining the tokens restores the text exactly.
func chunkTokens(text string) []string {
	if text == "" {
		return nil
	}
	var (
		tokens  []string
		current strings.Builder
		inSpace bool
	)
	for _, r := range text {
		space := unicode.IsSpace(r)
		if !space && inSpace && current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		current.WriteRune(r)
		inSpace = space
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
