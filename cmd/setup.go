package cmd

import (
	"fmt"

	"mcpbridge/internal/config"
	"mcpbridge/internal/credstore"
	"mcpbridge/internal/oauth"
	pkgoauth "mcpbridge/pkg/oauth"
)

// loadConfig builds the effective configuration for a command run.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

// buildManager wires the credential store and protocol client into an
// OAuth session manager for the given configuration.
func buildManager(cfg config.Config) (*oauth.Manager, error) {
	store, err := credstore.New(credstore.Config{StorageDir: cfg.Storage.Dir})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	client := pkgoauth.NewClient()

	return oauth.NewManager(store, client, oauth.ManagerConfig{
		UpstreamURL:      cfg.Upstream.URL,
		RedirectURI:      cfg.CallbackURL(),
		ClientName:       cfg.OAuth.ClientName,
		Scopes:           cfg.OAuth.Scopes,
		FlowTimeout:      cfg.OAuth.FlowTimeout,
		RefreshThreshold: cfg.OAuth.RefreshThreshold,
	}), nil
}
