// Package auth_tools provides MCP tools that let a client inspect its own
// authentication state.
//
// # Available Tools
//
//   - whoami: Return the authenticated principal (user, tenant, role,
//     method and granted scopes)
//   - check_access: Report the scope an operation requires and whether the
//     caller's scopes satisfy it. Pass "operations" to check several
//     operations in one call.
//
// Both tools require the "read" scope. Scope gating itself is applied by
// common.ScopeMiddleware, not by the handlers here.
package auth_tools
