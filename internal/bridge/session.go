package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// endpointWaitTimeout bounds how long a connecting session waits for the
// upstream's endpoint event before giving up.
const endpointWaitTimeout = 10 * time.Second

// maxEventSize bounds a single SSE line. Large tool results can be
// sizeable, so this is generous.
const maxEventSize = 4 * 1024 * 1024

// callResult is the single-fulfillment value delivered to a pending call.
type callResult struct {
	payload json.RawMessage
	err     error
}

// session is one live connection to the upstream for one user: the SSE
// push stream plus the submission endpoint it announced. Owned exclusively
// by the Bridge; at most one live instance exists per user.
type session struct {
	userID     string
	endpoint   string
	httpClient *http.Client
	stream     io.ReadCloser

	mu           sync.Mutex
	pending      map[string]chan callResult
	lastActivity time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// connectSession opens the upstream SSE stream with the given bearer
// token, waits for the endpoint event, and starts the read loop. The MCP
// handshake is performed by the caller once the session is reading.
func connectSession(ctx context.Context, httpClient *http.Client, userID, sseURL, accessToken string) (*session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream stream: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &upstreamAuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream stream request failed with status %d", resp.StatusCode)
	}

	s := &session{
		userID:       userID,
		httpClient:   httpClient,
		stream:       resp.Body,
		pending:      make(map[string]chan callResult),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	endpointCh := make(chan string, 1)
	go s.readLoop(endpointCh)

	select {
	case endpoint := <-endpointCh:
		resolved, err := resolveEndpoint(sseURL, endpoint)
		if err != nil {
			s.close(fmt.Errorf("invalid endpoint event: %w", err))
			return nil, err
		}
		s.endpoint = resolved
	case <-s.done:
		return nil, fmt.Errorf("upstream stream closed before announcing an endpoint: %w", ErrSessionLost)
	case <-time.After(endpointWaitTimeout):
		s.close(fmt.Errorf("no endpoint event: %w", ErrSessionLost))
		return nil, fmt.Errorf("timed out waiting for upstream endpoint event")
	case <-ctx.Done():
		s.close(ctx.Err())
		return nil, ctx.Err()
	}

	slog.Debug("upstream session connected",
		"user", userID,
		"endpoint", s.endpoint,
	)

	return s, nil
}

// resolveEndpoint resolves the (possibly relative) submission URI from the
// endpoint event against the stream URL.
func resolveEndpoint(sseURL, endpoint string) (string, error) {
	base, err := url.Parse(sseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// readLoop parses the SSE stream and dispatches events until the stream
// ends, then fails every pending call with ErrSessionLost.
func (s *session) readLoop(endpointCh chan<- string) {
	scanner := bufio.NewScanner(s.stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventName string
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates the event.
			if data.Len() > 0 || eventName != "" {
				s.dispatch(eventName, data.Bytes(), endpointCh)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment/keep-alive; ignored.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.close(fmt.Errorf("%w: %v", ErrSessionLost, err))
}

// dispatch routes one SSE event: the endpoint announcement during
// connect, correlated JSON-RPC replies, and notifications.
func (s *session) dispatch(eventName string, data []byte, endpointCh chan<- string) {
	if eventName == "endpoint" {
		select {
		case endpointCh <- string(data):
		default:
			slog.Debug("duplicate endpoint event ignored", "user", s.userID)
		}
		return
	}

	// Everything else ("message" or unnamed) is a JSON-RPC payload.
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("discarding malformed upstream event",
			"user", s.userID,
			"event", eventName,
			"error", err.Error(),
		)
		return
	}

	key, ok := correlationKey(envelope.ID)
	if !ok {
		// No id: a server-initiated notification. Logged and dropped; the
		// bridge has no downstream push channel to forward it on.
		var note mcp.JSONRPCNotification
		if err := json.Unmarshal(data, &note); err == nil {
			slog.Debug("upstream notification",
				"user", s.userID,
				"method", note.Method,
			)
		}
		return
	}

	payload := make(json.RawMessage, len(data))
	copy(payload, data)
	s.deliver(key, callResult{payload: payload})
}

// deliver fulfills the pending call registered under key, if any.
// Spurious or late replies are discarded and logged, never fatal.
func (s *session) deliver(key string, result callResult) {
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		slog.Debug("discarding reply with no pending call",
			"user", s.userID,
			"id", key,
		)
		return
	}

	// The slot is buffered and registered exactly once, so this never blocks.
	ch <- result
}

// register creates the single-fulfillment slot for a correlation id.
// Fails when a call with the same id is already pending.
func (s *session) register(key string) (chan callResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, ErrSessionLost
	default:
	}

	if _, exists := s.pending[key]; exists {
		return nil, fmt.Errorf("duplicate correlation id %q", key)
	}

	ch := make(chan callResult, 1)
	s.pending[key] = ch
	s.lastActivity = time.Now()
	return ch, nil
}

// unregister removes a pending slot. Returns true if the slot was still
// registered, i.e. no reply has been (or will be) delivered to it.
func (s *session) unregister(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[key]; ok {
		delete(s.pending, key)
		return true
	}
	return false
}

// call submits a correlated request and waits for its reply, the call
// deadline, or session loss.
func (s *session) call(ctx context.Context, key string, payload []byte, accessToken string) (json.RawMessage, error) {
	ch, err := s.register(key)
	if err != nil {
		return nil, err
	}

	if err := s.post(ctx, payload, accessToken); err != nil {
		s.unregister(key)
		return nil, err
	}

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		return result.payload, nil
	case <-ctx.Done():
		if s.unregister(key) {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrCallTimeout
			}
			return nil, ctx.Err()
		}
		// Lost the race with a deliverer: the result is already in the
		// buffered slot.
		result := <-ch
		if result.err != nil {
			return nil, result.err
		}
		return result.payload, nil
	}
}

// notify submits a request that expects no reply.
func (s *session) notify(ctx context.Context, payload []byte, accessToken string) error {
	return s.post(ctx, payload, accessToken)
}

// post sends one JSON-RPC payload to the session's submission endpoint.
func (s *session) post(ctx context.Context, payload []byte, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &upstreamAuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("submission rejected with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// idleSince returns the time of the session's last activity.
func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// close tears the session down exactly once: the stream is closed and
// every outstanding pending call fails immediately with the given error,
// so no caller can hang past its own deadline.
func (s *session) close(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stream.Close()

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[string]chan callResult)
		s.mu.Unlock()

		for _, ch := range pending {
			ch <- callResult{err: cause}
		}

		if len(pending) > 0 {
			slog.Debug("failed pending calls on session close",
				"user", s.userID,
				"count", len(pending),
			)
		}
	})
}

// closed reports whether the session has been torn down.
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// correlationKey canonicalizes a JSON-RPC id for pending-call matching, so
// a string id and its quoted wire form map to the same key. Returns false
// for absent or null ids.
func correlationKey(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}

	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err == nil {
			return str, true
		}
	}

	return string(trimmed), true
}
