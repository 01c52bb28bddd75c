package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/parley/pkg/chat"
)

// Validator checks individual configuration values. Config.Validate rejects
// a config outright; the validator collects softer problems for the wizard
// and `parley config check`.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "echo" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(provider string) error {
	return validateProvider(provider)
}

// ValidateEndpoint validates a gateway base URL
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil // Local gateway
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid endpoint scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}

// ValidateApprovalMode validates a tool approval mode
func (v *Validator) ValidateApprovalMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}
	_, err := chat.ParseApprovalMode(mode)
	return err
}

// ValidateUserRole validates the client user role
func (v *Validator) ValidateUserRole(role string) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("user role cannot be empty")
	}
	if strings.ContainsAny(role, " \t\n") {
		return fmt.Errorf("user role %q cannot contain whitespace", role)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates a persona context budget
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 2000000 {
		return fmt.Errorf("max tokens too large (max 2000000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.Providers {
		if err := v.ValidateProvider(profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, profile.ID, err))
		}
	}

	for i, persona := range cfg.Personas {
		if persona.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(persona.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("persona %d (%s): %w", i, persona.ID, err))
			}
		}
	}

	if err := v.ValidateTemperature(cfg.Gateway.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if err := v.ValidateApprovalMode(cfg.Gateway.DefaultApprovalMode); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.SharedSecret == "" && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" {
		errors = append(errors, fmt.Errorf("gateway listens on %q without a shared secret", cfg.Gateway.Host))
	}

	if err := v.ValidateEndpoint(cfg.Client.Endpoint); err != nil {
		errors = append(errors, fmt.Errorf("client: %w", err))
	}
	if err := v.ValidateUserRole(cfg.Client.UserRole); err != nil {
		errors = append(errors, fmt.Errorf("client: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
