package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/bridge"
	"mcpbridge/internal/credstore"
	"mcpbridge/internal/oauth"
	pkgoauth "mcpbridge/pkg/oauth"
)

// fixture wires a real store, manager, and bridge against a fake upstream
// that serves both the OAuth endpoints and the SSE transport.
type fixture struct {
	api      *httptest.Server
	upstream *fakeUpstream
	store    *credstore.Store
	manager  *oauth.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	upstream := newFakeUpstream(t)

	store, err := credstore.New(credstore.Config{StorageDir: t.TempDir()})
	require.NoError(t, err)

	client := pkgoauth.NewClient()
	t.Cleanup(client.Close)

	manager := oauth.NewManager(store, client, oauth.ManagerConfig{
		UpstreamURL: upstream.srv.URL,
		RedirectURI: "http://localhost:8321/oauth/callback",
	})

	b := bridge.New(bridge.Config{
		UpstreamURL: upstream.srv.URL + "/sse",
		ClientName:  "server-test",
		CallTimeout: 5 * time.Second,
	}, manager)
	t.Cleanup(b.Close)

	srv := New(Config{UpstreamURL: upstream.srv.URL}, manager, b)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &fixture{api: api, upstream: upstream, store: store, manager: manager}
}

// seedTokens authenticates a user directly through the store.
func (fx *fixture) seedTokens(t *testing.T, userID string) {
	t.Helper()
	ns := credstore.Namespace{UserID: userID, UpstreamURL: fx.upstream.srv.URL}
	now := time.Now()
	require.NoError(t, fx.store.SaveTokenSet(ns, &credstore.TokenSet{
		Token: pkgoauth.Token{
			AccessToken:  "valid-token",
			RefreshToken: "rt",
			ExpiresAt:    now.Add(time.Hour),
		},
		ObtainedAt: now,
	}))
}

func (fx *fixture) request(t *testing.T, method, path, user string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, fx.api.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestAuthStatusUnauthenticated(t *testing.T) {
	fx := newFixture(t)

	resp := fx.request(t, http.MethodGet, "/api/auth/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, DefaultUserID, body["user"])
}

func TestAuthStatusPerUser(t *testing.T) {
	fx := newFixture(t)
	fx.seedTokens(t, "alice")

	resp := fx.request(t, http.MethodGet, "/api/auth/status", "alice", nil)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "alice", body["user"])

	resp = fx.request(t, http.MethodGet, "/api/auth/status", "bob", nil)
	body = decodeJSON(t, resp)
	assert.Equal(t, false, body["authenticated"], "bob must not see alice's authentication")
}

func TestAuthStartAndCallback(t *testing.T) {
	fx := newFixture(t)

	resp := fx.request(t, http.MethodPost, "/api/auth/start", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, true, body["success"])

	authURL, ok := body["auth_url"].(string)
	require.True(t, ok)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	// Simulate the provider redirecting the browser back. The callback
	// carries no user header; the user is resolved from the flow state.
	resp = fx.request(t, http.MethodGet, "/oauth/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Authentication Successful")

	resp = fx.request(t, http.MethodGet, "/api/auth/status", "alice", nil)
	statusBody := decodeJSON(t, resp)
	assert.Equal(t, true, statusBody["authenticated"])
}

func TestCallbackUnknownState(t *testing.T) {
	fx := newFixture(t)

	resp := fx.request(t, http.MethodGet, "/oauth/callback?code=x&state=bogus", "", nil)
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Authentication Failed")
}

func TestCallbackProviderError(t *testing.T) {
	fx := newFixture(t)

	resp := fx.request(t, http.MethodGet, "/oauth/callback?error=access_denied&error_description=user+said+no", "", nil)
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Authentication Failed")
	assert.Contains(t, string(page), "access_denied")
}

func TestMessageRequiresAuthentication(t *testing.T) {
	fx := newFixture(t)

	resp := fx.request(t, http.MethodPost, "/message", "alice",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Contains(t, body["error"], "not yet authenticated")
	assert.Equal(t, "/api/auth/start", body["auth_url"])
}

func TestMessageBridgedCall(t *testing.T) {
	fx := newFixture(t)
	fx.seedTokens(t, "alice")

	resp := fx.request(t, http.MethodPost, "/message", "alice",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok, "reply must carry the upstream result")
	assert.Equal(t, "tools/list", result["echo"])
}

func TestAuthClear(t *testing.T) {
	fx := newFixture(t)
	fx.seedTokens(t, "alice")

	resp := fx.request(t, http.MethodPost, "/api/auth/clear", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["success"])

	resp = fx.request(t, http.MethodGet, "/api/auth/status", "alice", nil)
	statusBody := decodeJSON(t, resp)
	assert.Equal(t, false, statusBody["authenticated"])
}

// fakeUpstream serves the OAuth discovery, registration, and token
// endpoints plus the SSE transport with an echoing message handler.
type fakeUpstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	streamCh chan []byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": f.srv.URL + "/authorize",
			"token_endpoint":         f.srv.URL + "/token",
			"registration_endpoint":  f.srv.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "client-test"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "valid-token",
			"token_type":    "Bearer",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("GET /sse", f.handleStream)
	mux.HandleFunc("POST /messages", f.handlePost)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 32)
	f.mu.Lock()
	f.streamCh = ch
	f.mu.Unlock()

	fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
	flusher.Flush()

	for {
		select {
		case event := <-ch:
			w.Write(event)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeUpstream) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var result interface{}
	switch msg.Method {
	case "initialize":
		result = map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{},
			"serverInfo":      map[string]string{"name": "fake-upstream", "version": "0.0.1"},
		}
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	default:
		result = map[string]string{"echo": msg.Method}
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      msg.ID,
		"result":  result,
	})

	f.mu.Lock()
	ch := f.streamCh
	f.mu.Unlock()
	if ch != nil {
		ch <- []byte(fmt.Sprintf("event: message\ndata: %s\n\n", payload))
	}

	w.WriteHeader(http.StatusAccepted)
}
