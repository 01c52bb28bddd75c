package agent

import (
	"strings"

	"github.com/harun/parley/pkg/chat"
)

// RunParams contains input parameters for one assistant turn
type RunParams struct {
	SessionID string          `json:"session_id"`
	History   []chat.Message  `json:"history"`
	Tools     []chat.ToolSpec `json:"tools,omitempty"`
	Config    AgentConfig     `json:"config"`
}

// AgentConfig configures model calls
type AgentConfig struct {
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
}

// RunResult is the assistant turn
type RunResult struct {
	Response  string      `json:"response"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Provider  string      `json:"provider"`
	Aborted   bool        `json:"aborted,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Request converts the call to the chat wire form
func (c ToolCall) Request() chat.ToolCallRequest {
	params := c.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	return chat.NewToolCall(c.ID, c.Name, params)
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents credentials for one LLM provider
type AuthProfile struct {
	ID            string `json:"id" yaml:"id" mapstructure:"id"`
	Provider      string `json:"provider" yaml:"provider" mapstructure:"provider"` // "anthropic", "openai", "gemini", "echo"
	APIKey        string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Model         string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	Priority      int    `json:"priority" yaml:"priority" mapstructure:"priority"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty" yaml:"-" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" yaml:"-" mapstructure:"-"`
}

// AgentMessage represents a message in the provider conversation
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Temperature: 0.7,
		MaxTokens:   4096,
		MaxRetries:  3,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []AgentMessage) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}

// EstimateHistoryTokens estimates the token count of a stored history
func EstimateHistoryTokens(history []chat.Message) int {
	return EstimateTokens(FromHistory(history))
}

