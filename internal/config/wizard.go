package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harun/parley/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Parley Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	fmt.Fprintln(w.out, "LLM provider (anthropic, openai, gemini, echo):")
	var provider string
	for {
		value, err := w.prompt("Provider", "anthropic")
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(value); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		provider = value
		break
	}

	profile := agent.AuthProfile{ID: provider, Provider: provider, Priority: 1}
	if provider != "echo" {
		for {
			key, err := w.prompt(fmt.Sprintf("%s API key", provider), "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			profile.APIKey = key
			break
		}

		model, err := w.prompt("Model (Enter for the provider default)", "")
		if err != nil {
			return nil, err
		}
		profile.Model = model
	}
	cfg.Providers = append(cfg.Providers, profile)

	fmt.Fprintln(w.out)

	// Gateway
	fmt.Fprintln(w.out, "Gateway:")
	for {
		value, err := w.prompt("Port", strconv.Itoa(cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintf(w.out, "Error: invalid port %q\n", value)
			continue
		}
		cfg.Gateway.Port = port
		break
	}

	secret, err := w.prompt("Shared secret (Enter to generate one)", "")
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret, err = gonanoid.New(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate shared secret: %w", err)
		}
		fmt.Fprintln(w.out, "Generated a shared secret.")
	}
	cfg.Gateway.SharedSecret = secret

	for {
		mode, err := w.prompt("Default tool approval mode (AUTO/PROMPT/SAFE_AUTO)", cfg.Gateway.DefaultApprovalMode)
		if err != nil {
			return nil, err
		}
		mode = strings.ToUpper(mode)
		if err := validator.ValidateApprovalMode(mode); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Gateway.DefaultApprovalMode = mode
		break
	}

	fmt.Fprintln(w.out)

	// Client
	fmt.Fprintln(w.out, "Chat client:")
	stream, err := w.prompt("Stream replies? (y/n)", "n")
	if err != nil {
		return nil, err
	}
	cfg.Client.Streaming = strings.EqualFold(stream, "y")

	role, err := w.prompt("User role", cfg.Client.UserRole)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateUserRole(role); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (user)\n", err)
	} else {
		cfg.Client.UserRole = role
	}

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintln(w.out, "Logging:")
	level, err := w.prompt("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// prompt asks for a value; an empty answer takes def
func (w *Wizard) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
