package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/parley/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		ok       bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", true},
		{"invalid anthropic key", "invalid-key", "anthropic", false},
		{"valid openai key", "sk-test123", "openai", true},
		{"invalid openai key", "invalid-key", "openai", false},
		{"valid gemini key", "AIzaSyTest", "gemini", true},
		{"invalid gemini key", "sk-nope", "gemini", false},
		{"empty key", "", "anthropic", false},
		{"echo needs no key", "", "echo", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateEndpoint(""))
	assert.NoError(t, v.ValidateEndpoint("http://127.0.0.1:7420"))
	assert.NoError(t, v.ValidateEndpoint("https://chat.example.com"))
	assert.Error(t, v.ValidateEndpoint("ftp://chat.example.com"))
	assert.Error(t, v.ValidateEndpoint("http://"))
}

func TestValidateApprovalMode(t *testing.T) {
	v := NewValidator()

	for _, mode := range []string{"", "AUTO", "PROMPT", "SAFE_AUTO"} {
		assert.NoError(t, v.ValidateApprovalMode(mode), mode)
	}
	assert.Error(t, v.ValidateApprovalMode("SOMETIMES"))
}

func TestValidateUserRole(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateUserRole("admin"))
	assert.Error(t, v.ValidateUserRole(""))
	assert.Error(t, v.ValidateUserRole("power user"))
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(1.5))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(128000))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(3000000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers = append(cfg.Providers, agent.AuthProfile{ID: "bad", Provider: "openai", APIKey: "nope"})
		cfg.Gateway.Host = "0.0.0.0"
		cfg.Client.Endpoint = "ftp://x"
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}

func TestWizard(t *testing.T) {
	t.Run("echo provider with defaults", func(t *testing.T) {
		in := strings.NewReader("echo\n\n\n\n\n\n\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run()
		require.NoError(t, err)

		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "echo", cfg.Providers[0].Provider)
		assert.Equal(t, 7420, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.Gateway.SharedSecret, "a secret is generated")
		assert.Equal(t, "PROMPT", cfg.Gateway.DefaultApprovalMode)
		assert.False(t, cfg.Client.Streaming)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Configuration complete!")
		assert.NoError(t, cfg.Validate())
	})

	t.Run("re-prompts invalid answers", func(t *testing.T) {
		answers := []string{
			"bard", "anthropic",
			"bad-key", "sk-ant-good",
			"claude-x",
			"99999", "8080",
			"s3cret",
			"sometimes", "auto",
			"y",
			"admin",
			"debug",
		}
		in := strings.NewReader(strings.Join(answers, "\n") + "\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run()
		require.NoError(t, err)

		assert.Equal(t, "anthropic", cfg.Providers[0].Provider)
		assert.Equal(t, "sk-ant-good", cfg.Providers[0].APIKey)
		assert.Equal(t, "claude-x", cfg.Providers[0].Model)
		assert.Equal(t, 8080, cfg.Gateway.Port)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
		assert.Equal(t, "AUTO", cfg.Gateway.DefaultApprovalMode)
		assert.True(t, cfg.Client.Streaming)
		assert.Equal(t, "admin", cfg.Client.UserRole)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Error:")
	})

	t.Run("fails on closed input", func(t *testing.T) {
		_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run()
		assert.Error(t, err)
	})
}
