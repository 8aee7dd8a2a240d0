package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DefaultCallTimeout bounds how long a bridged call waits for its
	// correlated reply.
	DefaultCallTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long a session may sit with no calls
	// before the sweeper closes it.
	DefaultIdleTimeout = 5 * time.Minute

	// protocolVersion is the MCP protocol revision spoken to the upstream.
	protocolVersion = "2024-11-05"
)

// TokenSource supplies bearer tokens for upstream requests. Implemented by
// the OAuth session manager.
type TokenSource interface {
	// GetValidAccessToken returns a usable access token for the user,
	// refreshing transparently when needed.
	GetValidAccessToken(ctx context.Context, userID string) (string, error)

	// ForceRefresh refreshes the user's token unconditionally. Used after
	// the upstream rejects a token the manager still considered valid.
	ForceRefresh(ctx context.Context, userID string) (string, error)
}

// Config holds the bridge settings.
type Config struct {
	// UpstreamURL is the upstream's SSE stream URL.
	UpstreamURL string

	// ClientName identifies this bridge in the MCP handshake.
	ClientName string

	// ClientVersion is reported alongside ClientName.
	ClientVersion string

	// CallTimeout bounds each bridged call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// IdleTimeout closes sessions with no calls for this long. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// sessionEntry is the per-user slot in the session map. The creating
// goroutine closes ready once the connection attempt finishes, so
// concurrent callers share one attempt instead of racing to connect.
type sessionEntry struct {
	ready chan struct{}
	sess  *session
	err   error
}

// Bridge multiplexes request/response calls over per-user upstream
// sessions. Safe for concurrent use.
type Bridge struct {
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHTTPClient sets the HTTP client used for the SSE stream and
// submissions.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bridge) {
		b.httpClient = client
	}
}

// New creates a bridge for the given upstream and starts the idle sweeper.
// Call Close to release it.
func New(cfg Config, tokens TokenSource, opts ...Option) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpbridge"
	}

	b := &Bridge{
		cfg:    cfg,
		tokens: tokens,
		// The stream client must not impose a request timeout: the SSE
		// response body stays open for the session's lifetime.
		httpClient: &http.Client{},
		sessions:   make(map[string]*sessionEntry),
		stopSweep:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	go b.sweepIdle()

	return b
}

// Call submits a JSON-RPC request for the user and returns the upstream's
// correlated reply. Requests without an id are assigned one; notifications
// (id explicitly null) are forwarded without waiting.
//
// When the upstream rejects the bearer token, the token is refreshed and
// the call retried exactly once. The retry reuses a fresh session when the
// rejection happened at stream connect.
func (b *Bridge) Call(ctx context.Context, userID string, request json.RawMessage) (json.RawMessage, error) {
	payload, key, isNotification, err := prepareRequest(request)
	if err != nil {
		return nil, err
	}

	reply, err := b.dispatch(ctx, userID, payload, key, isNotification, false)
	if err == nil || !isAuthRejected(err) {
		return reply, err
	}

	slog.Info("upstream rejected token, refreshing and retrying once",
		"user", userID,
	)

	if _, refreshErr := b.tokens.ForceRefresh(ctx, userID); refreshErr != nil {
		return nil, refreshErr
	}

	reply, err = b.dispatch(ctx, userID, payload, key, isNotification, true)
	if err != nil && isAuthRejected(err) {
		return nil, &AuthenticationFailedError{Err: err}
	}
	return reply, err
}

// dispatch performs one call attempt against the user's session.
func (b *Bridge) dispatch(ctx context.Context, userID string, payload []byte, key string, isNotification, forceReconnect bool) (json.RawMessage, error) {
	if forceReconnect {
		b.dropSession(userID, nil)
	}

	sess, err := b.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	token, err := b.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if isNotification {
		return nil, sess.notify(callCtx, payload, token)
	}

	reply, err := sess.call(callCtx, key, payload, token)
	if err != nil {
		// A dead session stays in the map until noticed; evict it so the
		// next call reconnects instead of failing again.
		if sess.closed() {
			b.dropSession(userID, sess)
		}
		return nil, err
	}
	return reply, nil
}

// prepareRequest normalizes an incoming JSON-RPC request: it validates the
// JSON, assigns a uuid id when none is present, and extracts the
// correlation key. A request with an explicit null id is a notification.
func prepareRequest(request json.RawMessage) (payload []byte, key string, isNotification bool, err error) {
	var msg map[string]interface{}
	if err := json.Unmarshal(request, &msg); err != nil {
		return nil, "", false, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	rawID, hasID := msg["id"]
	if hasID && rawID == nil {
		// Explicit null id: a notification, forwarded as-is.
		return request, "", true, nil
	}

	if !hasID {
		id := uuid.NewString()
		msg["id"] = id
		reencoded, err := json.Marshal(msg)
		if err != nil {
			return nil, "", false, fmt.Errorf("failed to re-encode request: %w", err)
		}
		return reencoded, id, false, nil
	}

	encodedID, err := json.Marshal(rawID)
	if err != nil {
		return nil, "", false, fmt.Errorf("invalid request id: %w", err)
	}
	key, ok := correlationKey(encodedID)
	if !ok {
		return request, "", true, nil
	}
	return request, key, false, nil
}

// getSession returns the user's live session, creating one when absent.
// Exactly one connection attempt runs per user at a time; concurrent
// callers wait on the same attempt and share its outcome.
func (b *Bridge) getSession(ctx context.Context, userID string) (*session, error) {
	for {
		b.mu.Lock()
		entry, ok := b.sessions[userID]
		if !ok {
			entry = &sessionEntry{ready: make(chan struct{})}
			b.sessions[userID] = entry
			b.mu.Unlock()

			sess, err := b.connect(ctx, userID)
			entry.sess = sess
			entry.err = err
			close(entry.ready)

			if err != nil {
				b.dropEntry(userID, entry)
				return nil, err
			}
			return sess, nil
		}
		b.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if entry.err != nil {
			// A failed attempt evicts itself; loop to start a fresh one or
			// join whoever already did.
			continue
		}
		if entry.sess.closed() {
			b.dropEntry(userID, entry)
			continue
		}
		return entry.sess, nil
	}
}

// connect opens a new upstream session for the user and performs the MCP
// initialize handshake.
func (b *Bridge) connect(ctx context.Context, userID string) (*session, error) {
	token, err := b.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess, err := connectSession(ctx, b.httpClient, userID, b.cfg.UpstreamURL, token)
	if err != nil {
		return nil, err
	}

	if err := b.initialize(ctx, sess, token); err != nil {
		sess.close(fmt.Errorf("handshake failed: %w", ErrSessionLost))
		return nil, fmt.Errorf("upstream handshake failed: %w", err)
	}

	slog.Info("upstream session established", "user", userID)
	return sess, nil
}

// initialize runs the MCP handshake on a fresh session: an initialize
// request followed by the initialized notification.
func (b *Bridge) initialize(ctx context.Context, sess *session, token string) error {
	initReq := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    b.cfg.ClientName,
				Version: b.cfg.ClientVersion,
			},
		},
	}

	id := uuid.NewString()
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "initialize",
		"params":  initReq.Params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode initialize request: %w", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	reply, err := sess.call(handshakeCtx, id, payload, token)
	if err != nil {
		return err
	}

	var response struct {
		Result *mcp.InitializeResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(reply, &response); err != nil {
		return fmt.Errorf("malformed initialize response: %w", err)
	}
	if response.Error != nil {
		return fmt.Errorf("upstream refused initialization: %s (code %d)", response.Error.Message, response.Error.Code)
	}
	if response.Result != nil {
		slog.Debug("upstream initialized",
			"user", sess.userID,
			"serverName", response.Result.ServerInfo.Name,
			"serverVersion", response.Result.ServerInfo.Version,
			"protocolVersion", response.Result.ProtocolVersion,
		)
	}

	initialized, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	if err != nil {
		return fmt.Errorf("failed to encode initialized notification: %w", err)
	}
	return sess.notify(handshakeCtx, initialized, token)
}

// CloseUserSession tears down the user's session, if any. Pending calls
// fail with ErrSessionLost. Used when credentials are cleared.
func (b *Bridge) CloseUserSession(userID string) {
	b.dropSession(userID, nil)
}

// dropSession evicts the user's session entry and closes the session. When
// expected is non-nil, only that session is evicted, so a newer session
// created by another caller is left alone.
func (b *Bridge) dropSession(userID string, expected *session) {
	b.mu.Lock()
	entry, ok := b.sessions[userID]
	if ok {
		select {
		case <-entry.ready:
		default:
			// Still connecting; the connecting goroutine owns the entry.
			b.mu.Unlock()
			return
		}
		if expected != nil && entry.sess != expected {
			b.mu.Unlock()
			return
		}
		delete(b.sessions, userID)
	}
	b.mu.Unlock()

	if ok && entry.sess != nil {
		entry.sess.close(ErrSessionLost)
	}
}

// dropEntry removes the given entry from the map if it is still the
// current one.
func (b *Bridge) dropEntry(userID string, entry *sessionEntry) {
	b.mu.Lock()
	if b.sessions[userID] == entry {
		delete(b.sessions, userID)
	}
	b.mu.Unlock()
}

// sweepIdle periodically closes sessions that have had no calls within the
// idle timeout.
func (b *Bridge) sweepIdle() {
	interval := b.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.IdleTimeout)

			b.mu.Lock()
			var idle []*session
			for userID, entry := range b.sessions {
				select {
				case <-entry.ready:
				default:
					continue
				}
				if entry.sess == nil {
					continue
				}
				if entry.sess.closed() || entry.sess.idleSince().Before(cutoff) {
					delete(b.sessions, userID)
					idle = append(idle, entry.sess)
				}
			}
			b.mu.Unlock()

			for _, sess := range idle {
				slog.Debug("closing idle upstream session", "user", sess.userID)
				sess.close(ErrSessionLost)
			}
		case <-b.stopSweep:
			return
		}
	}
}

// Close stops the sweeper and tears down every session.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		close(b.stopSweep)
	})

	b.mu.Lock()
	entries := make([]*sessionEntry, 0, len(b.sessions))
	for _, entry := range b.sessions {
		entries = append(entries, entry)
	}
	b.sessions = make(map[string]*sessionEntry)
	b.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
			if entry.sess != nil {
				entry.sess.close(ErrSessionLost)
			}
		default:
		}
	}
}

// SessionCount reports how many live sessions the bridge is holding.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
