package oauth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// BearerChallenge is an RFC 6750 section 3 WWW-Authenticate challenge. The
// resource_metadata parameter is the RFC 9728 discovery hint.
type BearerChallenge struct {
	Realm            string
	ResourceMetadata string
	Error            string
	ErrorDescription string
	Scope            string
}

// String renders the header value. Empty parameters are omitted.
func (c BearerChallenge) String() string {
	var params []string
	add := func(name, value string) {
		if value != "" {
			params = append(params, name+`="`+quoteEscape(value)+`"`)
		}
	}
	add("realm", c.Realm)
	add("resource_metadata", c.ResourceMetadata)
	add("error", c.Error)
	add("error_description", c.ErrorDescription)
	add("scope", c.Scope)

	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape makes value safe inside a quoted-string.
func quoteEscape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
}

// WriteBearerError writes a resource server error: the challenge header and
// an OAuth-style JSON body.
func WriteBearerError(w http.ResponseWriter, status int, challenge BearerChallenge) {
	w.Header().Set("WWW-Authenticate", challenge.String())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	body := struct {
		ErrorResponse
		Scope string `json:"scope,omitempty"`
	}{
		ErrorResponse: ErrorResponse{Error: challenge.Error, ErrorDescription: challenge.ErrorDescription},
		Scope:         challenge.Scope,
	}
	if body.Error == "" {
		body.Error = "invalid_token"
	}
	_ = json.NewEncoder(w).Encode(body)
}
