// Package server provides the HTTP boundary of opencrm-auth: the public
// listener, the authentication middleware, MCP session management, health
// probes and the dedicated metrics listener.
//
// # Key Components
//
// OAuthHTTPServer assembles the public routes:
//   - OAuth proxy and discovery endpoints (mounted from the oauth package)
//   - /healthz, /readyz and /healthz/detailed
//   - /mcp, the streamable HTTP MCP transport behind AuthMiddleware
//
// AuthMiddleware runs the authentication pipeline for every protected
// request. Failures become RFC 6750 responses whose WWW-Authenticate
// challenge carries the RFC 9728 resource_metadata URL, so MCP clients can
// discover the authorization server.
//
// SessionManager implements mcp-go's SessionIdManager. Sessions are bound
// to the principal (user and tenant) that first uses them; a request from a
// different principal is rejected with 403. Idle sessions are evicted after
// 30 minutes by default and report terminated so clients re-initialize.
//
// ServerContext carries the shared logger and instrumentation used by the
// MCP tools.
package server
