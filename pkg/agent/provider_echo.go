package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/parley/pkg/history"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EchoPrefix asks the echo provider for a tool call: "call:<tool> <json args>"
const EchoPrefix = "call:"

// EchoProvider answers without a remote model. It echoes the last user turn,
// turns "call:<tool> {args}" into a tool call and acknowledges tool digests.
type EchoProvider struct{}

// NewEchoProvider creates an echo provider
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

// Provider returns the provider name
func (p *EchoProvider) Provider() string {
	return "echo"
}

// Call answers the last user message
func (p *EchoProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	last := ""
	for i := len(request.Messages) - 1; i >= 0; i-- {
		if request.Messages[i].Role == "user" {
			last = strings.TrimSpace(request.Messages[i].Content)
			break
		}
	}

	resp := &LLMResponse{ToolCalls: []ToolCall{}}
	switch {
	case last == "":
		resp.Content = "Nothing to echo."
	case strings.HasPrefix(last, history.DigestMarker):
		resp.Content = "Received " + strings.TrimSpace(strings.TrimPrefix(last, history.DigestMarker))
	case strings.HasPrefix(last, EchoPrefix):
		call, err := parseEchoCall(strings.TrimPrefix(last, EchoPrefix))
		if err != nil {
			resp.Content = err.Error()
			break
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	default:
		resp.Content = "Echo: " + last
	}

	resp.Usage = &TokenUsage{
		InputTokens:  EstimateTokens(request.Messages),
		OutputTokens: (len(resp.Content) + 3) / 4,
	}
	return resp, nil
}

func parseEchoCall(s string) (ToolCall, error) {
	s = strings.TrimSpace(s)
	name, rest, _ := strings.Cut(s, " ")
	if name == "" {
		return ToolCall{}, fmt.Errorf("tool name is required after %q", EchoPrefix)
	}

	params := map[string]interface{}{}
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &params); err != nil {
			return ToolCall{}, fmt.Errorf("invalid tool arguments: %v", err)
		}
	}
	return ToolCall{ID: "call_" + gonanoid.Must(10), Name: name, Parameters: params}, nil
}
