package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

// tokenRequest holds parsed authorization code grant request parameters
type tokenRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
	usedBasic    bool
}

// parseTokenRequest extracts the authorization code grant parameters. The
// client id may arrive as the basic auth username instead of a form field.
func parseTokenRequest(r *http.Request) (*tokenRequest, *OAuthError) {
	grantType := r.PostForm.Get("grant_type")
	if grantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}
	if grantType != GrantTypeAuthorizationCode {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", grantType))
	}

	req := &tokenRequest{
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	}
	if user, _, ok := r.BasicAuth(); ok {
		req.usedBasic = true
		if req.ClientID == "" {
			req.ClientID = user
		}
	}

	var missing []string
	for _, p := range []struct{ name, value string }{
		{"code", req.Code},
		{"redirect_uri", req.RedirectURI},
		{"client_id", req.ClientID},
		{"code_verifier", req.CodeVerifier},
	} {
		if p.value == "" {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return nil, ErrInvalidRequest("missing required parameters: " + strings.Join(missing, ", "))
	}
	return req, nil
}

// checkBinding verifies the redeemed code was issued to this client for this
// redirect URI and that the verifier matches the stored challenge. It runs
// after the code is consumed so a bad verifier still burns the code.
func checkBinding(ac *AuthorizationCode, req *tokenRequest) (*OAuthError, bool) {
	if ac.ClientID != req.ClientID {
		return ErrInvalidGrant("authorization code was issued to another client"), false
	}
	if ac.RedirectURI != req.RedirectURI {
		return ErrInvalidGrant("redirect_uri does not match the authorization request"), false
	}
	if err := ValidateCodeVerifier(req.CodeVerifier); err != nil {
		return ErrInvalidGrant(err.Error()), true
	}
	if !VerifyCodeChallenge(req.CodeVerifier, ac.CodeChallenge, ac.CodeChallengeMethod) {
		return ErrInvalidGrant("code_verifier does not match the code challenge"), true
	}
	return nil, false
}

// newTokenResponse passes the upstream tokens through unchanged.
func newTokenResponse(ac *AuthorizationCode, now time.Time) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  ac.UpstreamAccessToken,
		TokenType:    ac.UpstreamTokenType,
		Scope:        ac.UpstreamScope,
		IDToken:      ac.UpstreamIDToken,
		RefreshToken: ac.UpstreamRefreshToken,
	}
	if resp.TokenType == "" {
		resp.TokenType = "Bearer"
	}
	if !ac.UpstreamExpiry.IsZero() {
		resp.ExpiresIn = int64(ac.UpstreamExpiry.Sub(now).Seconds())
	}
	return resp
}

// exchangeUpstream redeems the upstream code with the server's verifier.
func (h *Handler) exchangeUpstream(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.ExchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.config.HTTPClient)

	ctx, span := instrumentation.StartClientSpan(ctx, "oauth.upstream_exchange")
	defer span.End()

	tok, err := h.upstream.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("upstream code exchange: %w", err)
	}
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// exchangeError maps an upstream exchange failure onto the error the client
// sees on its redirect URI.
func exchangeError(err error) *OAuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return ErrAccessDenied("the identity provider rejected the authorization code")
	}
	return ErrTemporarilyUnavailable("the identity provider could not be reached")
}

// upstreamFields copies the upstream token into ac.
func upstreamFields(ac *AuthorizationCode, tok *oauth2.Token) {
	ac.UpstreamAccessToken = tok.AccessToken
	ac.UpstreamRefreshToken = tok.RefreshToken
	ac.UpstreamTokenType = tok.TokenType
	ac.UpstreamExpiry = tok.Expiry
	if v, ok := tok.Extra("id_token").(string); ok {
		ac.UpstreamIDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		ac.UpstreamScope = v
	}
}

// redirectToClient appends params to a registered redirect URI.
func redirectToClient(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectError sends an RFC 6749 section 4.1.2.1 error to the client.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oerr *OAuthError) {
	redirectToClient(w, r, redirectURI, url.Values{
		"error":             {oerr.Code},
		"error_description": {oerr.Description},
		"state":             {state},
		"iss":               {h.config.Issuer},
	})
}

// storeError converts a store failure on a lookup into the protocol error.
func storeError(err error, notFound *OAuthError) *OAuthError {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
		return notFound
	case errors.Is(err, ErrStoreUnavailable):
		return ErrTemporarilyUnavailable("authorization storage is unavailable")
	default:
		return ErrServerError("authorization storage failed")
	}
}

// bearerToken extracts an RFC 6750 bearer token.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// clientIP returns the peer address. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
