// Package bridge multiplexes request/response JSON-RPC calls over
// per-user SSE sessions to an upstream MCP server.
//
// The upstream does not answer submissions synchronously: clients open a
// long-lived SSE stream (GET /sse), receive an "endpoint" event naming a
// submission URL, POST requests to that URL, and read correlated replies
// from the stream. The bridge hides this behind a simple contract:
//
//	reply, err := b.Call(ctx, userID, request)
//
// One live session exists per user. The first call for a user connects,
// waits for the endpoint event, and performs the MCP initialize handshake;
// concurrent callers racing to create a session share a single connection
// attempt. Replies are matched to pending calls strictly by JSON-RPC id,
// never by arrival order. When the push stream drops, every pending call
// fails immediately with ErrSessionLost and the next call transparently
// opens a fresh session.
//
// Bearer tokens come from the OAuth session manager on every submission.
// When the upstream rejects a token, the bridge refreshes once and retries
// the single failed submission once; a second rejection is surfaced as
// *AuthenticationFailedError.
package bridge
