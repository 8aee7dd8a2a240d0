package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverMetadataWellKnown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-authorization-server" {
			hits.Add(1)
			json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 "https://issuer.example",
				"authorization_endpoint": "https://issuer.example/authorize",
				"token_endpoint":         "https://issuer.example/token",
				"registration_endpoint":  "https://issuer.example/register",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	metadata, err := client.DiscoverMetadata(context.Background(), srv.URL+"/sse")
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, "https://issuer.example/token", metadata.TokenEndpoint)
	assert.Equal(t, "https://issuer.example/register", metadata.RegistrationEndpoint)

	// Second discovery is served from the cache.
	_, err = client.DiscoverMetadata(context.Background(), srv.URL+"/sse")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDiscoverMetadataOIDCFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/openid-configuration" {
			json.NewEncoder(w).Encode(map[string]string{
				"authorization_endpoint": "https://oidc.example/auth",
				"token_endpoint":         "https://oidc.example/token",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	metadata, err := client.DiscoverMetadata(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://oidc.example/auth", metadata.AuthorizationEndpoint)
}

func TestDiscoverMetadataConventionalFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	metadata, err := client.DiscoverMetadata(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/oauth/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/oauth/token", metadata.TokenEndpoint)
	assert.Equal(t, srv.URL+"/oauth/register", metadata.RegistrationEndpoint)
}

func TestDiscoverMetadataConcurrent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-authorization-server" {
			hits.Add(1)
			json.NewEncoder(w).Encode(map[string]string{
				"authorization_endpoint": "https://issuer.example/authorize",
				"token_endpoint":         "https://issuer.example/token",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.DiscoverMetadata(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load(), "concurrent discoveries should be deduplicated")
}

func TestRegisterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var metadata ClientMetadata
		require.NoError(t, json.NewDecoder(r.Body).Decode(&metadata))
		assert.Equal(t, "test-client", metadata.ClientName)
		assert.Equal(t, "none", metadata.TokenEndpointAuthMethod)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"client_id":     "generated-id",
			"redirect_uris": metadata.RedirectURIs,
		})
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	info, err := client.RegisterClient(context.Background(), srv.URL, &ClientMetadata{
		ClientName:              "test-client",
		RedirectURIs:            []string{"http://localhost:8321/oauth/callback"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)
	assert.Equal(t, "generated-id", info.ClientID)
}

func TestRegisterClientMissingClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	_, err := client.RegisterClient(context.Background(), srv.URL, &ClientMetadata{})
	assert.ErrorContains(t, err, "client_id")
}

func TestBuildAuthorizationURL(t *testing.T) {
	client := NewClient()
	defer client.Close()

	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	authURL, err := client.BuildAuthorizationURL(
		"https://issuer.example/authorize", "client-1", "http://localhost/cb", "state-1", "openid offline_access", pkce)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "client-1", query.Get("client_id"))
	assert.Equal(t, "http://localhost/cb", query.Get("redirect_uri"))
	assert.Equal(t, "state-1", query.Get("state"))
	assert.Equal(t, "openid offline_access", query.Get("scope"))
	assert.Equal(t, pkce.CodeChallenge, query.Get("code_challenge"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.Equal(t, "the-verifier", r.Form.Get("code_verifier"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	token, err := client.ExchangeCode(context.Background(), srv.URL, "the-code", "http://localhost/cb", "client-1", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)
	assert.False(t, token.ExpiresAt.IsZero(), "ExpiresAt should be derived from expires_in")
}

func TestRefreshTokenInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	_, err := client.RefreshToken(context.Background(), srv.URL, "revoked", "client-1")
	require.Error(t, err)

	var endpointErr *TokenEndpointError
	require.ErrorAs(t, err, &endpointErr)
	assert.True(t, endpointErr.IsInvalidGrant())
	assert.Equal(t, http.StatusBadRequest, endpointErr.StatusCode)
}
