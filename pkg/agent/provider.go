package agent

import (
	"context"
	"fmt"

	"github.com/harun/parley/pkg/chat"
)

// Default models when a profile does not name one
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultGeminiModel    = "gemini-2.5-flash"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []chat.ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	case "gemini":
		return NewGeminiProvider(profile.APIKey)
	case "echo":
		return NewEchoProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

func modelFor(profile AuthProfile, override string) string {
	if override != "" {
		return override
	}
	if profile.Model != "" {
		return profile.Model
	}
	switch profile.Provider {
	case "anthropic":
		return DefaultAnthropicModel
	case "openai":
		return DefaultOpenAIModel
	case "gemini":
		return DefaultGeminiModel
	}
	return profile.Provider
}
