// Package oauth implements the per-user OAuth session manager for
// mcpbridge.
//
// The Manager owns the credential lifecycle for every (user, upstream)
// namespace: dynamic client registration, the PKCE authorization-code
// flow, token exchange, proactive refresh, and credential wipe. Protocol
// operations are delegated to pkg/oauth; persistence to
// internal/credstore.
//
// # Flow model
//
// Browser-driven authorization completes across an external user action,
// so the flow is modeled as two independent operations joined only through
// persisted PendingAuthState:
//
//	authURL, _ := mgr.StartAuthFlow(ctx, user)   // user opens authURL
//	tokens, _ := mgr.HandleCallback(ctx, user, code, state)
//
// This makes the flow resilient to process restarts between the two calls.
// At most one flow is pending per namespace; starting a new one replaces
// the old.
//
// # Concurrency
//
// All mutating operations for a namespace run under a namespace-scoped
// lock. Two concurrent callers that both need a refresh never issue two
// refresh requests: the second waiter re-checks after acquiring the lock
// and receives the token produced by the first.
package oauth
