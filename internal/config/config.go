package config

import (
	"fmt"
	"time"

	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/gateway"
	"gopkg.in/yaml.v3"
)

// Config represents the main Parley configuration
type Config struct {
	// Gateway is the reference backend served by `parley serve`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway" mapstructure:"gateway"`

	// Client configures `parley chat`
	Client ClientConfig `json:"client" yaml:"client" mapstructure:"client"`

	// Pipeline bounds tool execution
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`

	// Providers are the LLM credentials, tried by priority
	Providers []agent.AuthProfile `json:"providers" yaml:"providers" mapstructure:"providers"`

	// Personas served by the gateway
	Personas []gateway.Persona `json:"personas" yaml:"personas" mapstructure:"personas"`

	// Logging
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// Retention drops sessions idle for longer; zero keeps everything
	Retention time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host                string        `json:"host" yaml:"host" mapstructure:"host"`
	Port                int           `json:"port" yaml:"port" mapstructure:"port"`
	SharedSecret        string        `json:"shared_secret" yaml:"shared_secret" mapstructure:"shared_secret"`
	StreamTokenTTL      time.Duration `json:"stream_token_ttl" yaml:"stream_token_ttl" mapstructure:"stream_token_ttl"`
	RequestsPerMinute   int           `json:"requests_per_minute" yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent       int           `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	DefaultApprovalMode string        `json:"default_approval_mode" yaml:"default_approval_mode" mapstructure:"default_approval_mode"`
	Temperature         float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxOutputTokens     int           `json:"max_output_tokens" yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// ClientConfig holds chat client configuration
type ClientConfig struct {
	// Endpoint is the gateway base URL; empty means the local gateway
	Endpoint        string        `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Streaming       bool          `json:"streaming" yaml:"streaming" mapstructure:"streaming"`
	UserRole        string        `json:"user_role" yaml:"user_role" mapstructure:"user_role"`
	Persona         string        `json:"persona" yaml:"persona" mapstructure:"persona"`
	ApprovalTimeout time.Duration `json:"approval_timeout" yaml:"approval_timeout" mapstructure:"approval_timeout"`
	MaxRetries      int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// PipelineConfig bounds the tool-call pipeline
type PipelineConfig struct {
	MaxDepth    int           `json:"max_depth" yaml:"max_depth" mapstructure:"max_depth"`
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout" mapstructure:"tool_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                "127.0.0.1",
			Port:                7420,
			StreamTokenTTL:      time.Minute,
			RequestsPerMinute:   120,
			MaxConcurrent:       10,
			DefaultApprovalMode: string(chat.ApprovalPrompt),
			Temperature:         0.7,
			MaxOutputTokens:     4096,
		},
		Client: ClientConfig{
			Streaming:       false,
			UserRole:        "user",
			Persona:         "assistant",
			ApprovalTimeout: 5 * time.Minute,
			MaxRetries:      3,
		},
		Pipeline: PipelineConfig{
			MaxDepth:    10,
			ToolTimeout: 30 * time.Second,
		},
		Providers: []agent.AuthProfile{},
		Personas: []gateway.Persona{
			{
				ID:        "assistant",
				Name:      "Assistant",
				Greeting:  "Hello! How can I help you today?",
				MaxTokens: gateway.DefaultMaxTokens,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a YAML representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "********"
	}
	masked.Providers = make([]agent.AuthProfile, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		masked.Providers[i] = p
	}
	data, _ := yaml.Marshal(&masked)
	return string(data)
}

// GatewayURL is the base URL the client talks to
func (c *Config) GatewayURL() string {
	if c.Client.Endpoint != "" {
		return c.Client.Endpoint
	}
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Gateway.Port)
}

// Persona returns the configured persona with the given id
func (c *Config) Persona(id string) (gateway.Persona, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return gateway.Persona{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.StreamTokenTTL < 0 {
		return fmt.Errorf("gateway stream_token_ttl cannot be negative")
	}
	if c.Gateway.DefaultApprovalMode != "" {
		if _, err := chat.ParseApprovalMode(c.Gateway.DefaultApprovalMode); err != nil {
			return fmt.Errorf("gateway default_approval_mode: %w", err)
		}
	}

	if c.Pipeline.MaxDepth < 1 {
		return fmt.Errorf("pipeline max_depth must be at least 1")
	}
	if c.Pipeline.ToolTimeout <= 0 {
		return fmt.Errorf("pipeline tool_timeout must be positive")
	}
	if c.Client.ApprovalTimeout < 0 {
		return fmt.Errorf("client approval_timeout cannot be negative")
	}

	// Validate provider profiles
	seen := make(map[string]bool, len(c.Providers))
	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("provider %s: duplicate id", profile.ID)
		}
		seen[profile.ID] = true
		if err := validateProvider(profile.Provider); err != nil {
			return fmt.Errorf("provider %s: %w", profile.ID, err)
		}
		if profile.Provider != "echo" && profile.APIKey == "" {
			return fmt.Errorf("provider %s: api_key is required", profile.ID)
		}
	}

	// Validate personas
	if len(c.Personas) == 0 {
		return fmt.Errorf("at least one persona must be configured")
	}
	ids := make(map[string]bool, len(c.Personas))
	for i, p := range c.Personas {
		if p.ID == "" {
			return fmt.Errorf("persona %d: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("persona %s: duplicate id", p.ID)
		}
		ids[p.ID] = true
		if p.MaxTokens < 0 {
			return fmt.Errorf("persona %s: max_tokens cannot be negative", p.ID)
		}
	}
	if c.Client.Persona != "" && !ids[c.Client.Persona] && c.Client.Endpoint == "" {
		return fmt.Errorf("client persona %q is not configured", c.Client.Persona)
	}

	return nil
}

// ValidateServe checks what `parley serve` additionally needs
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no LLM providers configured: at least one provider profile is required")
	}
	return nil
}

var validProviders = []string{"anthropic", "openai", "gemini", "echo"}

func validateProvider(provider string) error {
	for _, vp := range validProviders {
		if provider == vp {
			return nil
		}
	}
	return fmt.Errorf("invalid provider %q (must be: anthropic, openai, gemini, echo)", provider)
}
