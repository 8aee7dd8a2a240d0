package config

import "time"

// Config is the top-level configuration structure for mcpbridge.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig defines the local listener.
type ServerConfig struct {
	// Host to bind to (default: localhost).
	Host string `yaml:"host,omitempty" env:"MCPBRIDGE_HOST"`

	// Port for the bridge endpoint (default: 8321).
	Port int `yaml:"port,omitempty" env:"MCPBRIDGE_PORT"`
}

// UpstreamConfig defines the OAuth-protected upstream MCP server.
type UpstreamConfig struct {
	// URL is the SSE stream URL of the upstream.
	URL string `yaml:"url,omitempty" env:"MCPBRIDGE_UPSTREAM_URL"`

	// CallTimeout bounds how long a bridged call waits for its reply
	// (default: 30s).
	CallTimeout time.Duration `yaml:"callTimeout,omitempty" env:"MCPBRIDGE_CALL_TIMEOUT"`

	// IdleTimeout closes upstream sessions with no calls for this long
	// (default: 5m).
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty" env:"MCPBRIDGE_SESSION_IDLE_TIMEOUT"`
}

// OAuthConfig tunes the credential lifecycle.
type OAuthConfig struct {
	// ClientName is the client_name used for dynamic registration.
	ClientName string `yaml:"clientName,omitempty" env:"MCPBRIDGE_OAUTH_CLIENT_NAME"`

	// Scopes is the space-separated scope string for authorization requests.
	Scopes string `yaml:"scopes,omitempty" env:"MCPBRIDGE_OAUTH_SCOPES"`

	// RedirectURI overrides the OAuth callback URL. When empty it is
	// derived from the local listener's host and port.
	RedirectURI string `yaml:"redirectURI,omitempty" env:"MCPBRIDGE_OAUTH_REDIRECT_URI"`

	// FlowTimeout bounds how long a pending authorization flow stays
	// consumable (default: 5m).
	FlowTimeout time.Duration `yaml:"flowTimeout,omitempty" env:"MCPBRIDGE_OAUTH_FLOW_TIMEOUT"`

	// RefreshThreshold is the proactive refresh window before token
	// expiry (default: 5m).
	RefreshThreshold time.Duration `yaml:"refreshThreshold,omitempty" env:"MCPBRIDGE_REFRESH_THRESHOLD"`
}

// StorageConfig defines where credential records live.
type StorageConfig struct {
	// Dir is the credential directory
	// (default: ~/.config/mcpbridge/credentials).
	Dir string `yaml:"dir,omitempty" env:"MCPBRIDGE_STORAGE_DIR"`
}
