package server

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// handleSSE proxies the upstream's SSE stream to the client verbatim,
// injecting the caller's bearer token. Clients that speak the SSE
// transport natively use this instead of the bridged call route; the
// upstream's endpoint event is forwarded untouched, so such clients
// submit directly to the upstream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	resp, err := s.openUpstreamStream(r, user)
	if err != nil {
		s.writeCallError(w, user, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("streaming upstream events", "user", user)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("upstream stream ended", "user", user, "error", err.Error())
			}
			return
		}
	}
}

// openUpstreamStream opens the upstream SSE endpoint with a valid bearer
// token, refreshing once when the upstream rejects it.
func (s *Server) openUpstreamStream(r *http.Request, user string) (*http.Response, error) {
	token, err := s.manager.GetValidAccessToken(r.Context(), user)
	if err != nil {
		return nil, err
	}

	resp, err := s.doStreamRequest(r, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		slog.Info("upstream rejected token on stream open, refreshing", "user", user)
		token, err = s.manager.ForceRefresh(r.Context(), user)
		if err != nil {
			return nil, err
		}
		resp, err = s.doStreamRequest(r, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			status := resp.StatusCode
			resp.Body.Close()
			return nil, fmt.Errorf("upstream rejected refreshed token with status %d", status)
		}
	}

	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		resp.Body.Close()
		return nil, fmt.Errorf("upstream stream request failed with status %d", status)
	}

	return resp, nil
}

func (s *Server) doStreamRequest(r *http.Request, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.cfg.UpstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach upstream: %w", err)
	}
	return resp, nil
}
