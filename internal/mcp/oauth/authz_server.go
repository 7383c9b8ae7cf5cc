package oauth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// ServeAuthorize handles the authorization endpoint. It validates the
// client's request, parks it as a pending authorization and sends the
// browser to the upstream provider with the server's own PKCE challenge.
//
// Errors about client_id or redirect_uri are rendered here; everything
// else is reported to the verified redirect URI.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.config.Enabled {
		h.writeOAuthError(w, ErrTemporarilyUnavailable("the authorization server proxy is disabled"))
		return
	}

	ctx := r.Context()
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		h.authorizeFailed(w, r, ErrInvalidRequest("client_id is required"))
		return
	}
	if redirectURI == "" {
		h.authorizeFailed(w, r, ErrInvalidRequest("redirect_uri is required"))
		return
	}

	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		h.logger.Warn("Authorization request for unknown client", "client_id", clientID, "error", err)
		h.authorizeFailed(w, r, storeError(err, ErrInvalidClient("unknown client_id")))
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		h.logger.Warn("Authorization request with unregistered redirect_uri",
			"client_id", clientID,
			"redirect_uri", redirectURI)
		h.audit.LogInvalidRedirect(clientID, clientIP(r), redirectURI)
		h.authorizeFailed(w, r, ErrInvalidRequest("redirect_uri is not registered for this client"))
		return
	}

	// The redirect URI is trusted from here on.
	fail := func(oerr *OAuthError) {
		h.metrics.RecordOAuthFlowEvent(ctx, instrumentation.FlowEventAuthorize, instrumentation.FlowResultFailure)
		h.redirectError(w, r, redirectURI, state, oerr)
	}

	if q.Get("response_type") != ResponseTypeCode {
		fail(ErrUnsupportedResponseType("response_type must be code"))
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		fail(ErrInvalidRequest("code_challenge is required"))
		return
	}
	if method := q.Get("code_challenge_method"); method != CodeChallengeMethodS256 {
		fail(ErrInvalidRequest("code_challenge_method must be S256"))
		return
	}
	if err := validateCodeChallenge(challenge); err != nil {
		fail(ErrInvalidRequest(err.Error()))
		return
	}

	requested := q.Get("scope")
	if requested != "" {
		if v := scope.ValidateScopeSet(scope.ParseList(requested)); !v.Valid {
			fail(ErrInvalidScope("unknown scopes: " + strings.Join(v.Invalid, " ")))
			return
		}
	}

	internalState, err := generateSecureToken(StateTokenLength)
	if err != nil {
		h.logger.Error("Failed to generate state", "error", err)
		fail(ErrServerError("failed to start authorization"))
		return
	}
	verifier := GenerateCodeVerifier()

	now := h.now()
	pending := &PendingAuthorization{
		State:               internalState,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               requested,
		Resource:            q.Get("resource"),
		ClientState:         state,
		CodeChallenge:       challenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
		UpstreamVerifier:    verifier,
		CreatedAt:           now,
		ExpiresAt:           now.Add(h.config.PendingTTL),
	}
	if err := h.store.SavePending(ctx, pending); err != nil {
		h.logger.Error("Failed to save pending authorization", "error", err)
		fail(storeError(err, ErrServerError("failed to start authorization")))
		return
	}

	h.metrics.RecordOAuthFlowEvent(ctx, instrumentation.FlowEventAuthorize, instrumentation.FlowResultSuccess)
	h.audit.LogAuthorizationStarted(clientID, clientIP(r), requested)
	h.logger.Info("Redirecting to upstream provider for authorization",
		"client_id", clientID,
		"state_hash", hashForLogging(internalState))

	upstreamURL := h.upstream.AuthCodeURL(internalState,
		oauth2.S256ChallengeOption(verifier),
		oauth2.AccessTypeOffline,
	)
	http.Redirect(w, r, upstreamURL, http.StatusFound)
}

func (h *Handler) authorizeFailed(w http.ResponseWriter, r *http.Request, oerr *OAuthError) {
	h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventAuthorize, instrumentation.FlowResultFailure)
	h.writeOAuthError(w, oerr)
}

// ServeCallback handles the upstream provider's redirect. The pending
// authorization is consumed whatever the outcome, so a state value can
// only complete one flow.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.config.Enabled {
		h.writeOAuthError(w, ErrTemporarilyUnavailable("the authorization server proxy is disabled"))
		return
	}

	ctx := r.Context()
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		h.callbackFailed(w, r, "", ErrInvalidRequest("state is required"))
		return
	}

	pending, err := h.store.ConsumePending(ctx, state)
	if err != nil {
		h.logger.Warn("Callback for unknown or expired authorization",
			"state_hash", hashForLogging(state),
			"error", err)
		h.callbackFailed(w, r, "", storeError(err, ErrInvalidRequest("unknown or expired authorization request")))
		return
	}

	redirectFail := func(oerr *OAuthError) {
		h.metrics.RecordOAuthFlowEvent(ctx, instrumentation.FlowEventCallback, instrumentation.FlowResultFailure)
		h.audit.LogCallbackFailed(pending.ClientID, clientIP(r), oerr.Code)
		h.redirectError(w, r, pending.RedirectURI, pending.ClientState, oerr)
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		code := upstreamErr
		if !contains(authorizationErrorCodes, code) {
			code = "server_error"
		}
		h.logger.Info("Upstream provider returned an authorization error",
			"client_id", pending.ClientID,
			"error", upstreamErr)
		redirectFail(&OAuthError{Code: code, Description: q.Get("error_description"), Status: http.StatusFound})
		return
	}

	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		redirectFail(ErrServerError("the identity provider returned no authorization code"))
		return
	}

	tok, err := h.exchangeUpstream(ctx, upstreamCode, pending.UpstreamVerifier)
	if err != nil {
		h.logger.Warn("Upstream code exchange failed", "client_id", pending.ClientID, "error", err)
		redirectFail(exchangeError(err))
		return
	}

	code, err := generateSecureToken(AuthorizationCodeLength)
	if err != nil {
		h.logger.Error("Failed to generate authorization code", "error", err)
		redirectFail(ErrServerError("failed to issue authorization code"))
		return
	}

	now := h.now()
	ac := &AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		Resource:            pending.Resource,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(h.config.CodeTTL),
	}
	upstreamFields(ac, tok)

	if err := h.store.SaveAuthorizationCode(ctx, ac); err != nil {
		h.logger.Error("Failed to save authorization code", "error", err)
		redirectFail(storeError(err, ErrServerError("failed to issue authorization code")))
		return
	}

	h.metrics.RecordOAuthFlowEvent(ctx, instrumentation.FlowEventCallback, instrumentation.FlowResultSuccess)
	h.audit.LogCallbackCompleted(pending.ClientID, clientIP(r))
	redirectToClient(w, r, pending.RedirectURI, url.Values{
		"code":  {code},
		"state": {pending.ClientState},
		"iss":   {h.config.Issuer},
	})
}

func (h *Handler) callbackFailed(w http.ResponseWriter, r *http.Request, clientID string, oerr *OAuthError) {
	h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventCallback, instrumentation.FlowResultFailure)
	h.audit.LogCallbackFailed(clientID, clientIP(r), oerr.Code)
	h.writeOAuthError(w, oerr)
}

// ServeToken handles the token endpoint. Only the authorization_code grant
// is accepted and PKCE is mandatory for every client.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if !h.config.Enabled {
		h.writeOAuthError(w, ErrTemporarilyUnavailable("the authorization server proxy is disabled"))
		return
	}

	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		h.tokenFailed(w, r, ErrInvalidRequest("request body must be application/x-www-form-urlencoded"))
		return
	}

	req, oerr := parseTokenRequest(r)
	if oerr != nil {
		h.tokenFailed(w, r, oerr)
		return
	}

	client, err := h.store.GetClient(ctx, req.ClientID)
	if err != nil {
		h.clientAuthFailed(w, r, req, storeError(err, ErrInvalidClient("unknown client")))
		return
	}
	if oerr := h.authenticateClient(r, client); oerr != nil {
		h.logger.Warn("Client authentication failed", "client_id", req.ClientID)
		h.clientAuthFailed(w, r, req, oerr)
		return
	}

	ac, err := h.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.audit.LogCodeReplay(req.ClientID, clientIP(r))
		}
		h.tokenFailed(w, r, storeError(err, ErrInvalidGrant("authorization code is invalid, expired or already used")))
		return
	}

	if oerr, pkceFailed := checkBinding(ac, req); oerr != nil {
		if pkceFailed {
			h.audit.LogInvalidPKCE(req.ClientID, clientIP(r))
		}
		h.logger.Warn("Authorization code binding check failed",
			"client_id", req.ClientID,
			"description", oerr.Description)
		h.tokenFailed(w, r, oerr)
		return
	}

	now := h.now()
	if !ac.UpstreamExpiry.IsZero() && !now.Before(ac.UpstreamExpiry) {
		h.tokenFailed(w, r, ErrInvalidGrant("the upstream access token has expired, restart the authorization"))
		return
	}

	resp := newTokenResponse(ac, now)
	h.metrics.RecordOAuthFlowEvent(ctx, instrumentation.FlowEventToken, instrumentation.FlowResultSuccess)
	h.audit.LogTokenIssued(req.ClientID, clientIP(r), resp.Scope)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) tokenFailed(w http.ResponseWriter, r *http.Request, oerr *OAuthError) {
	h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventToken, instrumentation.FlowResultFailure)
	h.writeOAuthError(w, oerr)
}

// clientAuthFailed answers a failed client authentication. A client that
// tried basic auth gets the matching challenge (RFC 6749 section 5.2).
func (h *Handler) clientAuthFailed(w http.ResponseWriter, r *http.Request, req *tokenRequest, oerr *OAuthError) {
	if req.usedBasic && oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	h.tokenFailed(w, r, oerr)
}
