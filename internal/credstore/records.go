package credstore

import (
	"time"

	"mcpbridge/pkg/oauth"
)

// ClientRegistration is the persisted result of dynamic client registration
// for one (user, upstream) namespace. Created once on first authentication
// and immutable until cleared.
type ClientRegistration struct {
	// ClientID is the registered OAuth client identifier.
	ClientID string `json:"client_id"`

	// ClientSecret is set only for confidential clients. mcpbridge
	// registers as a public client, so this is normally empty.
	ClientSecret string `json:"client_secret,omitempty"`

	// RedirectURI is the callback URI the client was registered with.
	RedirectURI string `json:"redirect_uri"`

	// RegistrationEndpoint is where the registration was performed.
	RegistrationEndpoint string `json:"registration_endpoint"`

	// Scopes is the space-separated scope string requested at registration.
	Scopes string `json:"scopes,omitempty"`

	// CreatedAt is when the registration was stored.
	CreatedAt time.Time `json:"created_at"`
}

// PendingAuthState is the persisted state of an in-flight authorization
// flow. At most one exists per namespace; starting a new flow replaces any
// prior one. It is consumed and deleted exactly once on a matching
// callback, or discarded after the flow timeout.
type PendingAuthState struct {
	// UserID is the user the flow was started for. The callback carries no
	// user identity of its own, so it is resolved from this field.
	UserID string `json:"user_id"`

	// State is the unguessable nonce bound to the authorization request.
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier for the pending exchange.
	CodeVerifier string `json:"code_verifier"`

	// CodeChallenge is the S256 challenge sent in the authorization request.
	CodeChallenge string `json:"code_challenge"`

	// RedirectURI is the redirect target the flow was started with.
	RedirectURI string `json:"redirect_uri"`

	// CreatedAt is when the flow was started; flows expire after a fixed window.
	CreatedAt time.Time `json:"created_at"`
}

// TokenSet is the persisted token material for one namespace. Replaced
// wholesale on successful exchange or refresh.
type TokenSet struct {
	oauth.Token

	// ObtainedAt is when this token set was issued. Together with
	// ExpiresAt it gives the token's total lifetime, which the refresh
	// threshold is clamped against for short-lived tokens.
	ObtainedAt time.Time `json:"obtained_at"`
}

// Lifetime returns the token's total lifetime, or zero when unknown.
func (t *TokenSet) Lifetime() time.Duration {
	if t.ExpiresAt.IsZero() || t.ObtainedAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(t.ObtainedAt)
}
