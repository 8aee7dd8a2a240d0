package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/mcpbridge"
	configFileName = "config.yaml"
)

// DefaultConfigPath returns the per-user configuration directory.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8321,
		},
		Upstream: UpstreamConfig{
			CallTimeout: 30 * time.Second,
			IdleTimeout: 5 * time.Minute,
		},
		OAuth: OAuthConfig{
			ClientName:       "mcpbridge",
			Scopes:           "openid profile email offline_access",
			FlowTimeout:      5 * time.Minute,
			RefreshThreshold: 5 * time.Minute,
		},
	}
}

// Load builds the effective configuration: defaults, then config.yaml from
// configPath if present, then environment overrides.
func Load(configPath string) (Config, error) {
	cfg := Default()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no config.yaml found, using defaults", "path", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		slog.Info("loaded configuration", "path", configFilePath)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error applying environment overrides: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration for the serve command.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required (or set MCPBRIDGE_UPSTREAM_URL)")
	}
	parsed, err := url.Parse(c.Upstream.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.url %q is not an absolute URL", c.Upstream.URL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Upstream.CallTimeout <= 0 {
		return errors.New("upstream.callTimeout must be positive")
	}
	if c.Upstream.IdleTimeout <= 0 {
		return errors.New("upstream.idleTimeout must be positive")
	}
	if c.OAuth.FlowTimeout <= 0 {
		return errors.New("oauth.flowTimeout must be positive")
	}
	return nil
}

// CallbackURL returns the effective OAuth redirect URI: the configured one,
// or the callback route on the local listener.
func (c *Config) CallbackURL() string {
	if c.OAuth.RedirectURI != "" {
		return c.OAuth.RedirectURI
	}
	return fmt.Sprintf("http://%s:%d/oauth/callback", c.Server.Host, c.Server.Port)
}

// ListenAddr returns the host:port the local server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
