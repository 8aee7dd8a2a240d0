package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpbridge/internal/bridge"
	"mcpbridge/internal/oauth"
)

// DefaultUserID is the identity assigned to requests without an
// X-MCP-User header.
const DefaultUserID = "default"

// userHeader carries the caller's identity.
const userHeader = "X-MCP-User"

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTemplate = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTemplate   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// maxRequestBody bounds the size of an inbound JSON-RPC request.
const maxRequestBody = 8 * 1024 * 1024

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the host:port to bind to.
	Addr string

	// UpstreamURL is reported in status responses and used by the SSE
	// pass-through.
	UpstreamURL string
}

// Server is the local HTTP frontend over the OAuth manager and the bridge.
type Server struct {
	cfg        Config
	manager    *oauth.Manager
	bridge     *bridge.Bridge
	httpClient *http.Client
}

// New creates the HTTP frontend.
func New(cfg Config, manager *oauth.Manager, b *bridge.Bridge) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		bridge:  b,
		// No client timeout: the SSE pass-through holds responses open.
		httpClient: &http.Client{},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/start", s.handleAuthStart)
	mux.HandleFunc("POST /api/auth/clear", s.handleAuthClear)
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /sse", s.handleSSE)
	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("bridge listening", "addr", s.cfg.Addr, "upstream", s.cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// userID extracts the caller's identity from the request.
func userID(r *http.Request) string {
	if user := r.Header.Get(userHeader); user != "" {
		return user
	}
	return DefaultUserID
}

// handleAuthStatus reports the caller's authentication state.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	status, err := s.manager.Status(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response := map[string]interface{}{
		"authenticated": status.Authenticated,
		"upstream_url":  s.cfg.UpstreamURL,
		"user":          user,
	}
	if status.ClientID != "" {
		response["client_id"] = status.ClientID
	}
	if status.Authenticated {
		response["expires_at"] = status.ExpiresAt.Format(time.RFC3339)
		response["has_refresh_token"] = status.HasRefreshToken
	}

	writeJSON(w, http.StatusOK, response)
}

// handleAuthStart begins an authorization flow and returns the URL to open
// in a browser.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	authURL, err := s.manager.StartAuthFlow(r.Context(), user)
	if err != nil {
		slog.Error("failed to start authorization flow", "user", user, "error", err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"auth_url": authURL,
		"message":  "Open the authorization URL in a browser to continue",
	})
}

// handleAuthClear wipes the caller's credentials and closes any live
// upstream session.
func (s *Server) handleAuthClear(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	if err := s.manager.ClearCredentials(user); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	s.bridge.CloseUserSession(user)

	slog.Info("credentials cleared", "user", user)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Credentials cleared successfully",
	})
}

// handleCallback completes an authorization flow. The redirect carries no
// user identity; the user is resolved from the persisted flow state, so
// the flow survives a process restart between start and callback.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		description := query.Get("error_description")
		slog.Warn("authorization denied by provider", "oauth_error", errCode)
		renderCallbackError(w, fmt.Sprintf("The authorization server reported: %s. %s", errCode, description))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		renderCallbackError(w, "Missing code or state parameter in the callback.")
		return
	}

	user, err := s.manager.ResolveCallbackUser(state)
	if err != nil {
		slog.Warn("callback with unknown state", "error", err.Error())
		renderCallbackError(w, "No pending authorization flow matches this callback. Please start the flow again.")
		return
	}

	if _, err := s.manager.HandleCallback(r.Context(), user, code, state); err != nil {
		slog.Error("authorization callback failed", "user", user, "error", err.Error())
		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			renderCallbackError(w, "State verification failed. Please start the flow again.")
		case errors.Is(err, oauth.ErrFlowExpired):
			renderCallbackError(w, "The authorization flow expired. Please start the flow again.")
		default:
			renderCallbackError(w, fmt.Sprintf("Failed to complete authentication: %v", err))
		}
		return
	}

	renderCallbackSuccess(w, fmt.Sprintf("Authenticated as %q against %s.", user, s.cfg.UpstreamURL))
}

// handleMessage forwards one JSON-RPC request through the bridge and
// returns the correlated upstream reply.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	reply, err := s.bridge.Call(r.Context(), user, body)
	if err != nil {
		s.writeCallError(w, user, err)
		return
	}

	if reply == nil {
		// Notification: nothing comes back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// writeCallError maps bridge and OAuth failures onto HTTP statuses.
func (s *Server) writeCallError(w http.ResponseWriter, user string, err error) {
	var authFailed *bridge.AuthenticationFailedError

	switch {
	case oauth.IsReauthRequired(err):
		slog.Info("call requires authentication", "user", user)
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":    err.Error(),
			"auth_url": "/api/auth/start",
		})
	case errors.As(err, &authFailed):
		slog.Warn("upstream rejected credentials", "user", user)
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, bridge.ErrCallTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, bridge.ErrSessionLost):
		writeError(w, http.StatusBadGateway, err)
	default:
		slog.Error("bridged call failed", "user", user, "error", err.Error())
		writeError(w, http.StatusInternalServerError, err)
	}
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to write response", "error", err.Error())
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func renderCallbackSuccess(w http.ResponseWriter, message string) {
	renderCallback(w, successTemplate, message)
}

func renderCallbackError(w http.ResponseWriter, message string) {
	renderCallback(w, errorTemplate, message)
}

func renderCallback(w http.ResponseWriter, tmpl *template.Template, message string) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := tmpl.Execute(w, map[string]string{"Message": message}); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
