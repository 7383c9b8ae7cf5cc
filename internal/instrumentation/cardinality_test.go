package instrumentation

import "testing"

func TestExtractUserDomain(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"jane@example.com", "example.com"},
		{"test@subdomain.example.com", "subdomain.example.com"},
		{"invalid", "unknown"},
		{"", "unknown"},
		{"@", "unknown"},
		{"user@", "unknown"},
		{"@domain.com", "domain.com"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			result := ExtractUserDomain(tt.email)
			if result != tt.expected {
				t.Errorf("ExtractUserDomain(%q) = %q, want %q", tt.email, result, tt.expected)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/.well-known/oauth-authorization-server", "/.well-known/oauth-authorization-server"},
		{"/.well-known/oauth-protected-resource/mcp", "/.well-known/oauth-protected-resource"},
		{"/oauth/token", "/oauth/token"},
		{"/oauth/authorize", "/oauth/authorize"},
		{"/oauth/../etc/passwd", "/oauth/other"},
		{"/mcp", "/mcp"},
		{"/mcp/sse", "/mcp"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/wp-admin", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizePath(tt.path); got != tt.expected {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}
