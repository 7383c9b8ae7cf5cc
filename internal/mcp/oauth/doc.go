// Package oauth implements the OAuth 2.1 authorization server proxy that
// sits between MCP clients and an upstream identity provider.
//
// The proxy registers clients dynamically (RFC 7591), publishes
// authorization server metadata (RFC 8414) and protected resource metadata
// (RFC 9728), and runs a PKCE-protected authorization code flow (RFC 7636).
// It runs a second PKCE exchange of its own against the upstream provider,
// binds the upstream tokens to the client's challenge, and hands them out
// at most once from the token endpoint.
//
// Flow state lives behind the Store interface. MemoryStore keeps it in the
// process, so restarts drop in-flight flows and replicas need sticky
// routing. ValkeyStore shares it between replicas.
package oauth
