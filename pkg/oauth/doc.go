// Package oauth implements the OAuth 2.1 protocol operations used by
// mcpbridge when acting as a client against an OAuth-protected upstream.
//
// This package is purely protocol-level: metadata discovery, PKCE
// generation, dynamic client registration (RFC 7591), authorization URL
// construction, code exchange, and token refresh. It holds no per-user
// state; credential persistence and flow bookkeeping live in
// internal/credstore and internal/oauth.
//
// # Metadata Discovery
//
// Upstream MCP servers advertise their authorization server via RFC 8414
// (/.well-known/oauth-authorization-server) or OpenID Connect discovery.
// Some deployments only expose the conventional /oauth/{register,authorize,
// token} paths, so discovery falls back to those when no well-known
// document is found. Discovered metadata is cached with a TTL and
// concurrent discoveries for the same upstream are deduplicated.
//
// # PKCE
//
// All authorization flows use S256 PKCE. The code verifier is 32 random
// bytes (256 bits) base64url-encoded, which yields 43 characters.
package oauth
