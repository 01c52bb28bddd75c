package agent

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, msg := range request.Messages {
		switch msg.Role {
		case "user", "tool":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Parameters))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if request.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(request.SystemPrompt, genai.RoleUser)
	}
	if request.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(request.MaxTokens)
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, spec := range request.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: inputSchema(spec),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	response, err := p.client.Models.GenerateContent(ctx, request.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	toolCalls := []ToolCall{}
	for _, fc := range response.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = "call_" + gonanoid.Must(10)
		}
		toolCalls = append(toolCalls, ToolCall{ID: id, Name: fc.Name, Parameters: fc.Args})
	}

	result := &LLMResponse{
		Content:   response.Text(),
		ToolCalls: toolCalls,
	}
	if u := response.UsageMetadata; u != nil {
		result.Usage = &TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return result, nil
}
