package instrumentation

import "strings"

// Cardinality management helpers for metrics and general logs.
// Always use these when a label or attribute would otherwise carry a user
// identifier.

// ExtractUserDomain extracts the domain part from an email address.
//
// Example:
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
//	ExtractUserDomain("")                  // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}

	return "unknown"
}

// NormalizePath maps request paths onto a fixed set of route labels so that
// arbitrary probe URLs do not create new series.
func NormalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/.well-known/oauth-authorization-server"):
		return "/.well-known/oauth-authorization-server"
	case strings.HasPrefix(path, "/.well-known/oauth-protected-resource"):
		return "/.well-known/oauth-protected-resource"
	case strings.HasPrefix(path, "/oauth/"):
		switch path {
		case "/oauth/register", "/oauth/authorize", "/oauth/callback", "/oauth/token":
			return path
		}
		return "/oauth/other"
	case path == "/mcp" || strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	case path == "/healthz" || path == "/readyz" || path == "/healthz/detailed":
		return path
	default:
		return "other"
	}
}
