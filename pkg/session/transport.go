package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
)

type bufferedTransport struct{}

func (bufferedTransport) exchange(ctx context.Context, m *machine, req backend.SendMessageRequest) (*chat.Message, error) {
	req.Stream = false
	res, err := m.backend.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Message == nil {
		return nil, fmt.Errorf("backend returned no message for a buffered send")
	}
	return res.Message, nil
}

func (bufferedTransport) close() error { return nil }

func (bufferedTransport) streaming() bool { return false }

// streamTransport asks for a stream handle and assembles the reply from
// token, tool_call and complete events.
type streamTransport struct {
	streamer backend.Streamer

	mu      sync.Mutex
	current backend.Stream
}

func (t *streamTransport) exchange(ctx context.Context, m *machine, req backend.SendMessageRequest) (*chat.Message, error) {
	req.Stream = true
	res, err := m.backend.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("backend returned no result")
	}
	// A backend may answer directly even when a stream was requested.
	if res.Message != nil {
		return res.Message, nil
	}
	if res.Stream == nil {
		return nil, fmt.Errorf("backend returned neither a message nor a stream")
	}
	if res.Stream.Expired(time.Now()) {
		return nil, &backend.ErrorRecord{Message: "stream handle expired", Type: "stream", Code: backend.CodeStream}
	}

	stream, err := t.streamer.OpenStream(ctx, *res.Stream)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	t.track(stream)
	defer t.untrack(stream)

	sessionID := req.ChatSessionID
	typing := chat.NewMessage(chat.RoleAssistant, "")
	typing.SessionID = sessionID
	defer m.setTyping(sessionID, nil)

	var content strings.Builder
	for {
		evt, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &backend.ErrorRecord{Message: "stream closed before completion", Type: "stream", Code: backend.CodeStream}
			}
			return nil, fmt.Errorf("receive stream event: %w", err)
		}

		switch evt.Type {
		case backend.EventToken:
			token, err := evt.Token()
			if err != nil {
				return nil, err
			}
			content.WriteString(token)
			typing.Content = content.String()
			m.setTyping(sessionID, &typing)

		case backend.EventToolCall:
			call, err := evt.ToolCall()
			if err != nil {
				return nil, err
			}
			typing.ToolCalls = append(typing.ToolCalls, call)

		case backend.EventComplete:
			done, err := evt.Complete()
			if err != nil {
				return nil, err
			}
			reply := typing.Clone()
			reply.Content = content.String()
			if done.MessageID != "" {
				reply.ID = done.MessageID
			}
			reply.Timestamp = time.Now()
			if count, max, ok := tokenUsage(done.Metadata); ok {
				m.setTokenUsage(sessionID, count, max)
			}
			return &reply, nil

		case backend.EventError:
			rec, err := evt.Record()
			if err != nil {
				return nil, err
			}
			return nil, rec

		default:
			m.logger.Debug().Str("event", string(evt.Type)).Msg("Ignoring unknown stream event")
		}
	}
}

func (t *streamTransport) track(s backend.Stream) {
	t.mu.Lock()
	t.current = s
	t.mu.Unlock()
}

func (t *streamTransport) untrack(s backend.Stream) {
	t.mu.Lock()
	if t.current == s {
		t.current = nil
	}
	t.mu.Unlock()
	_ = s.Close()
}

func (t *streamTransport) close() error {
	t.mu.Lock()
	s := t.current
	t.current = nil
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (t *streamTransport) streaming() bool { return true }

func tokenUsage(meta map[string]interface{}) (int, int, bool) {
	count, ok1 := meta["tokenCount"].(float64)
	max, ok2 := meta["maxTokens"].(float64)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return int(count), int(max), true
}
