package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is the default TTL for cached OAuth metadata.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// TokenEndpointError is returned when the token endpoint rejects a request
// with an OAuth error document (RFC 6749 §5.2).
type TokenEndpointError struct {
	StatusCode       int
	Code             string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Error implements the error interface.
func (e *TokenEndpointError) Error() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("token request failed with status %d: %s - %s", e.StatusCode, e.Code, e.ErrorDescription)
	}
	if e.Code != "" {
		return fmt.Sprintf("token request failed with status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token request failed with status %d", e.StatusCode)
}

// IsInvalidGrant returns true if the error indicates an expired or revoked
// grant (refresh token or authorization code). The corrective action is
// re-authentication, not retry.
func (e *TokenEndpointError) IsInvalidGrant() bool {
	return e.Code == "invalid_grant"
}

// Client handles OAuth 2.1 protocol operations against an authorization
// server: metadata discovery, dynamic client registration, code exchange,
// and token refresh.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// Metadata cache keyed by normalized upstream URL.
	metadataCache *ttlcache.Cache[string, *Metadata]

	// singleflight group to deduplicate concurrent metadata fetches.
	metadataGroup singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new OAuth protocol client.
func NewClient(opts ...ClientOption) *Client {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Metadata](DefaultMetadataCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Metadata](),
	)
	go cache.Start()

	c := &Client{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		logger:        slog.Default(),
		metadataCache: cache,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close stops the metadata cache's cleanup goroutine.
func (c *Client) Close() {
	c.metadataCache.Stop()
}

// DiscoverMetadata discovers the authorization server metadata for an
// upstream server URL. It tries RFC 8414 well-known documents at the
// upstream's origin and at its full path, then OpenID Connect discovery,
// and finally falls back to the conventional /oauth/{register,authorize,
// token} endpoints at the origin.
//
// Results are cached with a TTL; concurrent discoveries for the same
// upstream are deduplicated.
func (c *Client) DiscoverMetadata(ctx context.Context, upstreamURL string) (*Metadata, error) {
	upstreamURL = NormalizeServerURL(upstreamURL)

	if item := c.metadataCache.Get(upstreamURL); item != nil {
		return item.Value(), nil
	}

	result, err, _ := c.metadataGroup.Do(upstreamURL, func() (interface{}, error) {
		// Double-check cache after acquiring the singleflight slot.
		if item := c.metadataCache.Get(upstreamURL); item != nil {
			return item.Value(), nil
		}
		return c.doDiscoverMetadata(ctx, upstreamURL)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

// doDiscoverMetadata performs the actual metadata discovery for an upstream.
func (c *Client) doDiscoverMetadata(ctx context.Context, upstreamURL string) (*Metadata, error) {
	origin, err := serverOrigin(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", upstreamURL, err)
	}

	candidates := []string{
		origin + "/.well-known/oauth-authorization-server",
	}
	if upstreamURL != origin {
		candidates = append(candidates, upstreamURL+"/.well-known/oauth-authorization-server")
	}
	candidates = append(candidates, origin+"/.well-known/openid-configuration")

	var lastErr error
	for _, wellKnownURL := range candidates {
		metadata, err := c.fetchMetadata(ctx, wellKnownURL)
		if err != nil {
			c.logger.Debug("OAuth metadata fetch failed",
				"url", wellKnownURL,
				"error", err)
			lastErr = err
			continue
		}

		c.cacheMetadata(upstreamURL, metadata)
		return metadata, nil
	}

	// No well-known document found. Fall back to the conventional endpoint
	// layout used by MCP servers without a discovery document.
	c.logger.Debug("no OAuth metadata document found, using fallback endpoints",
		"upstream", upstreamURL,
		"error", lastErr)

	metadata := &Metadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/oauth/authorize",
		TokenEndpoint:         origin + "/oauth/token",
		RegistrationEndpoint:  origin + "/oauth/register",
	}
	c.cacheMetadata(upstreamURL, metadata)
	return metadata, nil
}

// fetchMetadata fetches and parses a metadata document from a specific URL.
func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata document at %s is missing required endpoints", metadataURL)
	}

	return &metadata, nil
}

// cacheMetadata stores metadata in the cache.
func (c *Client) cacheMetadata(upstreamURL string, metadata *Metadata) {
	c.metadataCache.Set(upstreamURL, metadata, ttlcache.DefaultTTL)

	c.logger.Debug("cached OAuth metadata",
		"upstream", upstreamURL,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint)
}

// ClearMetadataCache clears the metadata cache.
// Useful for testing or when metadata needs to be refreshed immediately.
func (c *Client) ClearMetadataCache() {
	c.metadataCache.DeleteAll()
}

// RegisterClient performs RFC 7591 dynamic client registration.
// Returns the client information document issued by the server.
func (c *Client) RegisterClient(ctx context.Context, registrationEndpoint string, metadata *ClientMetadata) (*ClientInformation, error) {
	body, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	// RFC 7591 specifies 201 Created, but some servers return 200.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var info ClientInformation
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}

	if info.ClientID == "" {
		return nil, fmt.Errorf("registration response is missing client_id")
	}

	return &info, nil
}

// BuildAuthorizationURL constructs an OAuth authorization URL.
func (c *Client) BuildAuthorizationURL(authEndpoint, clientID, redirectURI, state, scope string, pkce *PKCEChallenge) (string, error) {
	authURL, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)

	if scope != "" {
		query.Set("scope", scope)
	}

	if pkce != nil {
		query.Set("code_challenge", pkce.CodeChallenge)
		query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, code, redirectURI, clientID, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

// RefreshToken obtains a new access token using a refresh token.
func (c *Client) RefreshToken(ctx context.Context, tokenEndpoint, refreshToken, clientID string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

// doTokenRequest performs a token endpoint request.
func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		tokenErr := &TokenEndpointError{StatusCode: resp.StatusCode}
		// Best effort: the error body may not be a JSON error document.
		_ = json.Unmarshal(body, tokenErr)
		c.logger.Debug("token request failed",
			"status", resp.StatusCode,
			"oauth_error", tokenErr.Code)
		return nil, tokenErr
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	// Calculate expiration if not set
	token.SetExpiresAtFromExpiresIn()

	return &token, nil
}

// serverOrigin returns the scheme://host portion of a URL.
func serverOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute")
	}
	return u.Scheme + "://" + u.Host, nil
}
