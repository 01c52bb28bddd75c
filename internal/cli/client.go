package cli

import (
	"fmt"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/backend/rpcclient"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/macro"
	"github.com/rs/zerolog"
)

// newClient connects to the gateway named by the client config
func newClient(cfg *config.Config, logger zerolog.Logger) (*rpcclient.Client, error) {
	client, err := rpcclient.New(rpcclient.Config{
		Endpoint:   cfg.GatewayURL(),
		Secret:     cfg.Gateway.SharedSecret,
		MaxRetries: cfg.Client.MaxRetries,
		Logger:     &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}
	return client, nil
}

// newRegistry returns a registry holding the built-in macros
func newRegistry() (*macro.Registry, error) {
	registry := macro.NewRegistry()
	if err := registry.RegisterBatch(macro.Builtins()); err != nil {
		return nil, fmt.Errorf("failed to register built-in macros: %w", err)
	}
	return registry, nil
}

// resolvePersona fills name and greeting from the local persona list. A
// persona only the remote gateway knows is used by id alone.
func resolvePersona(cfg *config.Config, id string) chat.Persona {
	if id == "" {
		id = cfg.Client.Persona
	}
	if p, ok := cfg.Persona(id); ok {
		return chat.Persona{ID: p.ID, Name: p.Name, Greeting: p.Greeting}
	}
	return chat.Persona{ID: id}
}
