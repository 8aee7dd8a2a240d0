// Package server exposes the bridge over local HTTP: the authentication
// routes and OAuth callback page, the request/response call route backed by
// the bridge, and a streaming pass-through of the upstream's SSE endpoint.
//
// Callers identify themselves with the X-MCP-User header; requests without
// it run as the "default" user.
package server
