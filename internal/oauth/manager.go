package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mcpbridge/internal/credstore"
	pkgoauth "mcpbridge/pkg/oauth"
)

// DefaultFlowTimeout is how long a started authorization flow remains
// consumable before the callback is rejected.
const DefaultFlowTimeout = 5 * time.Minute

// DefaultScopes is the scope string requested in authorization flows.
// offline_access asks the authorization server to issue a refresh token.
const DefaultScopes = "openid profile email offline_access"

// DefaultClientName is the client_name sent during dynamic registration.
const DefaultClientName = "mcpbridge"

// ManagerConfig configures the OAuth session manager.
type ManagerConfig struct {
	// UpstreamURL is the OAuth-protected upstream server.
	UpstreamURL string

	// RedirectURI is the full OAuth callback URI of this process.
	RedirectURI string

	// ClientName is the client_name used for dynamic registration.
	// Defaults to "mcpbridge".
	ClientName string

	// Scopes is the space-separated scope string for authorization
	// requests. Defaults to DefaultScopes.
	Scopes string

	// FlowTimeout bounds how long a pending flow is consumable.
	// Defaults to DefaultFlowTimeout.
	FlowTimeout time.Duration

	// RefreshThreshold is the proactive-refresh window before expiry.
	// Defaults to pkg/oauth.TokenRefreshThreshold. For tokens whose total
	// lifetime is shorter than twice the threshold, the threshold is
	// clamped to half the lifetime so short-lived tokens are not refreshed
	// on every call.
	RefreshThreshold time.Duration
}

// Manager owns the OAuth credential lifecycle for all users against one
// upstream server.
type Manager struct {
	store  *credstore.Store
	client *pkgoauth.Client
	cfg    ManagerConfig

	mu      sync.Mutex
	nsLocks map[string]*sync.Mutex
}

// NewManager creates a session manager over the given store and protocol
// client.
func NewManager(store *credstore.Store, client *pkgoauth.Client, cfg ManagerConfig) *Manager {
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.Scopes == "" {
		cfg.Scopes = DefaultScopes
	}
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = DefaultFlowTimeout
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = pkgoauth.TokenRefreshThreshold
	}

	return &Manager{
		store:   store,
		client:  client,
		cfg:     cfg,
		nsLocks: make(map[string]*sync.Mutex),
	}
}

// namespace returns the credential namespace for a user.
func (m *Manager) namespace(userID string) credstore.Namespace {
	return credstore.Namespace{UserID: userID, UpstreamURL: m.cfg.UpstreamURL}
}

// nsLock returns the mutex serializing mutations for a namespace.
// Operations on different namespaces proceed independently.
func (m *Manager) nsLock(ns credstore.Namespace) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ns.Key()
	lock, ok := m.nsLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.nsLocks[key] = lock
	}
	return lock
}

// RegisterClient ensures a dynamic client registration exists for the
// user's namespace, performing RFC 7591 registration on first use.
// Idempotent: returns the cached registration when present.
func (m *Manager) RegisterClient(ctx context.Context, userID string) (*credstore.ClientRegistration, error) {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	return m.registerClientLocked(ctx, ns)
}

// registerClientLocked performs the registration; the namespace lock must
// be held.
func (m *Manager) registerClientLocked(ctx context.Context, ns credstore.Namespace) (*credstore.ClientRegistration, error) {
	reg, err := m.store.LoadClientRegistration(ns)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		return nil, err
	}

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	if metadata.RegistrationEndpoint == "" {
		return nil, &RegistrationError{
			Endpoint: m.cfg.UpstreamURL,
			Err:      errors.New("no registration endpoint in OAuth metadata"),
		}
	}

	info, err := m.client.RegisterClient(ctx, metadata.RegistrationEndpoint, &pkgoauth.ClientMetadata{
		ClientName:              m.cfg.ClientName,
		RedirectURIs:            []string{m.cfg.RedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   m.cfg.Scopes,
	})
	if err != nil {
		return nil, &RegistrationError{Endpoint: metadata.RegistrationEndpoint, Err: err}
	}

	reg = &credstore.ClientRegistration{
		ClientID:             info.ClientID,
		ClientSecret:         info.ClientSecret,
		RedirectURI:          m.cfg.RedirectURI,
		RegistrationEndpoint: metadata.RegistrationEndpoint,
		Scopes:               m.cfg.Scopes,
		CreatedAt:            time.Now(),
	}

	if err := m.store.SaveClientRegistration(ns, reg); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	slog.Info("registered OAuth client",
		"namespace", ns.Key(),
		"client_id", reg.ClientID,
	)

	return reg, nil
}

// StartAuthFlow begins a PKCE authorization flow for the user and returns
// the authorization URL to open in a browser. Any previously pending flow
// for the namespace is invalidated.
func (m *Manager) StartAuthFlow(ctx context.Context, userID string) (string, error) {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	reg, err := m.registerClientLocked(ctx, ns)
	if err != nil {
		return "", err
	}

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.UpstreamURL)
	if err != nil {
		return "", fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE: %w", err)
	}

	state, err := pkgoauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	flow := &credstore.PendingAuthState{
		UserID:        userID,
		State:         state,
		CodeVerifier:  pkce.CodeVerifier,
		CodeChallenge: pkce.CodeChallenge,
		RedirectURI:   m.cfg.RedirectURI,
		CreatedAt:     time.Now(),
	}
	if err := m.store.SavePendingAuthState(ns, flow); err != nil {
		return "", fmt.Errorf("failed to persist flow state: %w", err)
	}

	authURL, err := m.client.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, reg.ClientID, m.cfg.RedirectURI, state, m.cfg.Scopes, pkce)
	if err != nil {
		m.store.DeletePendingAuthState(ns)
		return "", fmt.Errorf("failed to build authorization URL: %w", err)
	}

	slog.Info("authorization flow started",
		"namespace", ns.Key(),
		"client_id", reg.ClientID,
	)

	return authURL, nil
}

// ResolveCallbackUser finds which user started the flow carrying the given
// state nonce. Authorization callbacks arrive as bare browser redirects
// with no user identity, so the persisted flow record is the only join
// point. Returns ErrInvalidState when no pending flow matches.
func (m *Manager) ResolveCallbackUser(state string) (string, error) {
	flow, err := m.store.FindPendingAuthState(state)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", ErrInvalidState
		}
		return "", err
	}
	return flow.UserID, nil
}

// HandleCallback completes a pending authorization flow. The supplied
// state must exactly match the stored nonce; a mismatch is treated as a
// CSRF attempt and no token exchange is performed. Expired flows are
// deleted and rejected. On success the code plus stored verifier are
// exchanged for tokens, the token set is persisted, and the consumed flow
// state is removed.
func (m *Manager) HandleCallback(ctx context.Context, userID, code, state string) (*credstore.TokenSet, error) {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	flow, err := m.store.LoadPendingAuthState(ns)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(flow.State), []byte(state)) != 1 {
		slog.Warn("OAuth state mismatch detected - possible CSRF attempt",
			"namespace", ns.Key(),
			"expected_state_len", len(flow.State),
			"received_state_len", len(state),
		)
		return nil, ErrInvalidState
	}

	if time.Since(flow.CreatedAt) > m.cfg.FlowTimeout {
		m.store.DeletePendingAuthState(ns)
		return nil, ErrFlowExpired
	}

	reg, err := m.store.LoadClientRegistration(ns)
	if err != nil {
		return nil, fmt.Errorf("no client registration for pending flow: %w", err)
	}

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	token, err := m.client.ExchangeCode(ctx, metadata.TokenEndpoint, code, flow.RedirectURI, reg.ClientID, flow.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	tokens := &credstore.TokenSet{Token: *token, ObtainedAt: time.Now()}
	if err := m.store.SaveTokenSet(ns, tokens); err != nil {
		return nil, err
	}

	if err := m.store.DeletePendingAuthState(ns); err != nil {
		return nil, err
	}

	slog.Info("OAuth authentication successful",
		"namespace", ns.Key(),
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
		"has_refresh_token", tokens.RefreshToken != "",
	)

	return tokens, nil
}

// GetValidAccessToken returns an access token whose remaining lifetime
// exceeds the proactive-refresh threshold, refreshing it first when it
// does not. Returns *ReauthRequiredError when no token set exists or the
// refresh token is expired or revoked.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	tokens, err := m.store.LoadTokenSet(ns)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", &ReauthRequiredError{Reason: ReasonNotAuthenticated}
		}
		return "", err
	}

	if !tokens.IsExpiredWithMargin(m.effectiveThreshold(tokens)) {
		return tokens.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, ns, tokens)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// ForceRefresh performs an unconditional refresh for the user's namespace,
// regardless of the current token's remaining lifetime. Used by the bridge
// after the upstream rejects a bearer token.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) (string, error) {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	tokens, err := m.store.LoadTokenSet(ns)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", &ReauthRequiredError{Reason: ReasonNotAuthenticated}
		}
		return "", err
	}

	refreshed, err := m.refreshLocked(ctx, ns, tokens)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// refreshLocked refreshes the namespace's token set; the namespace lock
// must be held. Token-endpoint rejections map to *ReauthRequiredError;
// transport failures are surfaced as-is so callers can decide on backoff.
func (m *Manager) refreshLocked(ctx context.Context, ns credstore.Namespace, tokens *credstore.TokenSet) (*credstore.TokenSet, error) {
	if tokens.RefreshToken == "" {
		return nil, &ReauthRequiredError{Reason: ReasonExpired}
	}

	reg, err := m.store.LoadClientRegistration(ns)
	if err != nil {
		return nil, fmt.Errorf("no client registration for refresh: %w", err)
	}

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	token, err := m.client.RefreshToken(ctx, metadata.TokenEndpoint, tokens.RefreshToken, reg.ClientID)
	if err != nil {
		var endpointErr *pkgoauth.TokenEndpointError
		if errors.As(err, &endpointErr) {
			slog.Warn("token refresh rejected, re-authentication required",
				"namespace", ns.Key(),
				"oauth_error", endpointErr.Code,
			)
			return nil, &ReauthRequiredError{Reason: ReasonExpired, Err: err}
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	// Some servers rotate refresh tokens and omit the old one from the
	// response; keep the previous refresh token in that case.
	if token.RefreshToken == "" {
		token.RefreshToken = tokens.RefreshToken
	}

	refreshed := &credstore.TokenSet{Token: *token, ObtainedAt: time.Now()}
	if err := m.store.SaveTokenSet(ns, refreshed); err != nil {
		return nil, err
	}

	slog.Debug("access token refreshed",
		"namespace", ns.Key(),
		"expires_at", refreshed.ExpiresAt.Format(time.RFC3339),
	)

	return refreshed, nil
}

// effectiveThreshold clamps the proactive-refresh threshold to half the
// token's total lifetime, so tokens shorter-lived than the threshold are
// not refreshed on every single call.
func (m *Manager) effectiveThreshold(tokens *credstore.TokenSet) time.Duration {
	threshold := m.cfg.RefreshThreshold
	if lifetime := tokens.Lifetime(); lifetime > 0 && threshold > lifetime/2 {
		threshold = lifetime / 2
	}
	return threshold
}

// ClearCredentials removes the client registration, token set, and any
// pending flow state for the user's namespace. Idempotent.
func (m *Manager) ClearCredentials(userID string) error {
	ns := m.namespace(userID)
	lock := m.nsLock(ns)
	lock.Lock()
	defer lock.Unlock()

	return m.store.Clear(ns)
}

// Status describes the authentication state of one user's namespace.
type Status struct {
	// Authenticated is true when a token set exists and its access token
	// has not expired.
	Authenticated bool `json:"authenticated"`

	// ExpiresAt is the access token's expiry, when authenticated.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// HasRefreshToken indicates whether expiry can be recovered from
	// without user interaction.
	HasRefreshToken bool `json:"has_refresh_token,omitempty"`

	// ClientID is the registered OAuth client id, when registered.
	ClientID string `json:"client_id,omitempty"`
}

// Status reports the authentication state for a user. Read-only: no
// refresh or registration is triggered.
func (m *Manager) Status(userID string) (*Status, error) {
	ns := m.namespace(userID)

	status := &Status{}

	if reg, err := m.store.LoadClientRegistration(ns); err == nil {
		status.ClientID = reg.ClientID
	} else if !errors.Is(err, credstore.ErrNotFound) {
		return nil, err
	}

	tokens, err := m.store.LoadTokenSet(ns)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return status, nil
		}
		return nil, err
	}

	status.Authenticated = !tokens.IsExpiredWithMargin(0)
	status.ExpiresAt = tokens.ExpiresAt
	status.HasRefreshToken = tokens.RefreshToken != ""

	return status, nil
}
