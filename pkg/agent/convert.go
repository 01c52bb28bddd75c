package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/parley/pkg/chat"
)

// FromHistory converts a stored chat history to provider messages. Earlier
// tool invocations are rendered as text: the client answers them with a
// digest user turn rather than provider-native tool results, so replaying
// them natively would leave unanswered tool_use blocks.
func FromHistory(history []chat.Message) []AgentMessage {
	out := make([]AgentMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, AgentMessage{Role: "user", Content: m.Content})
		case chat.RoleAssistant:
			content := m.Content
			if len(m.ToolCalls) > 0 {
				content = joinNonEmpty(content, describeCalls(m.ToolCalls))
			}
			if content == "" {
				continue
			}
			out = append(out, AgentMessage{Role: "assistant", Content: content})
		case chat.RoleSystem:
			out = append(out, AgentMessage{Role: "system", Content: m.Content})
		}
	}
	return mergeAdjacent(out)
}

func describeCalls(calls []chat.ToolCallRequest) string {
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		args := strings.TrimSpace(string(c.Function.Arguments))
		if args == "" {
			args = "{}"
		}
		parts = append(parts, fmt.Sprintf("[called %s %s]", c.Function.Name, args))
	}
	return strings.Join(parts, "\n")
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}

// Providers require alternating user/assistant turns
func mergeAdjacent(msgs []AgentMessage) []AgentMessage {
	out := make([]AgentMessage, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role != "system" {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// inputSchema returns the JSON schema object for a tool
func inputSchema(spec chat.ToolSpec) map[string]interface{} {
	if len(spec.Parameters) > 0 {
		return spec.Parameters
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func schemaProperties(schema map[string]interface{}) interface{} {
	if props, ok := schema["properties"]; ok {
		return props
	}
	return map[string]interface{}{}
}

func schemaRequired(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func decodeArgs(raw string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
