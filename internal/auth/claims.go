package auth

import (
	"strings"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// tenantClaims are checked in order; the first non-empty string wins.
var tenantClaims = []string{
	// Issued by our own tooling and most custom authorizers.
	"tenant_id",
	// Auth0 Organizations and Clerk.
	"org_id",
	// Namespaced custom claim for issuers that reject bare custom names.
	"https://opencrm.dev/tenant_id",
	"workspace_id",
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

func tenantFromClaims(claims map[string]any) string {
	for _, name := range tenantClaims {
		if v := stringClaim(claims, name); v != "" {
			return v
		}
	}
	return ""
}

// scopesFromClaims reads "scope" (space-delimited), then "scp" and "scopes"
// (array or space-delimited string). Unsupported values are dropped.
func scopesFromClaims(claims map[string]any) []string {
	var raw []string
	if s, ok := claims["scope"].(string); ok {
		raw = append(raw, strings.Fields(s)...)
	}
	for _, name := range []string{"scp", "scopes"} {
		switch v := claims[name].(type) {
		case string:
			raw = append(raw, strings.Fields(v)...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					raw = append(raw, s)
				}
			}
		case []string:
			raw = append(raw, v...)
		}
	}
	return scope.Filter(raw)
}

// emailUnverified reports whether the token explicitly marks its email
// unverified.
func emailUnverified(claims map[string]any) bool {
	switch v := claims["email_verified"].(type) {
	case bool:
		return !v
	case string:
		return v == "false"
	}
	return false
}
