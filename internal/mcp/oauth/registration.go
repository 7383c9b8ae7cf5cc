package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// ServeClientRegistration handles Dynamic Client Registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.config.Enabled {
		h.writeOAuthError(w, ErrTemporarilyUnavailable("the authorization server proxy is disabled"))
		return
	}
	if !h.config.DynamicRegistration {
		http.NotFound(w, r)
		return
	}

	if h.config.RegistrationToken != "" {
		provided, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(h.config.RegistrationToken)) != 1 {
			h.logger.Warn("Client registration rejected: invalid registration token",
				"client_ip", clientIP(r))
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeError(w, "invalid_token", "a valid registration access token is required", http.StatusUnauthorized)
			return
		}
	}

	var req ClientRegistrationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody))
	if err := dec.Decode(&req); err != nil {
		h.registrationFailed(w, r, ErrInvalidClientMetadata("request body must be a JSON client metadata document"))
		return
	}

	client, oerr := normalizeRegistration(&req)
	if oerr != nil {
		h.registrationFailed(w, r, oerr)
		return
	}

	resp, err := h.registerClient(r, client)
	if err != nil {
		h.logger.Error("Failed to register client", "error", err)
		h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventRegister, instrumentation.FlowResultFailure)
		if errors.Is(err, ErrStoreUnavailable) {
			h.writeOAuthError(w, ErrTemporarilyUnavailable("client storage is unavailable"))
			return
		}
		h.writeOAuthError(w, ErrServerError("failed to register client"))
		return
	}

	h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventRegister, instrumentation.FlowResultSuccess)
	h.audit.LogClientRegistered(resp.ClientID, clientIP(r), resp.TokenEndpointAuthMethod)
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) registrationFailed(w http.ResponseWriter, r *http.Request, err *OAuthError) {
	h.logger.Info("Client registration rejected", "code", err.Code, "description", err.Description)
	h.metrics.RecordOAuthFlowEvent(r.Context(), instrumentation.FlowEventRegister, instrumentation.FlowResultFailure)
	h.writeOAuthError(w, err)
}

// registerClient generates credentials for client and persists it. The
// plaintext secret only appears in the returned response.
func (h *Handler) registerClient(r *http.Request, client *Client) (*ClientRegistrationResponse, error) {
	clientID, err := generateSecureToken(ClientIDTokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client ID: %w", err)
	}
	client.ClientID = clientID
	client.IssuedAt = h.now().UTC()

	var secret string
	if !client.Public() {
		secret, err = generateSecureToken(ClientSecretTokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := h.store.SaveClient(r.Context(), client); err != nil {
		return nil, err
	}

	h.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", client.TokenEndpointAuthMethod,
		"redirect_uris", client.RedirectURIs)

	resp := &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	}
	if secret != "" {
		never := int64(0)
		resp.ClientSecret = secret
		resp.ClientSecretExpiresAt = &never
	}
	return resp, nil
}

// normalizeRegistration validates req and fills RFC 7591 defaults.
func normalizeRegistration(req *ClientRegistrationRequest) (*Client, *OAuthError) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, ErrInvalidRedirectURI(err.Error())
		}
	}

	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = DefaultTokenEndpointAuthMethod
	}
	if !contains(SupportedTokenAuthMethods, method) {
		return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	for _, gt := range grantTypes {
		if !contains(RegistrableGrantTypes, gt) {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if !contains(SupportedResponseTypes, rt) {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	if req.Scope != "" {
		if v := scope.ValidateScopeSet(scope.ParseList(req.Scope)); !v.Valid {
			return nil, ErrInvalidClientMetadata("unknown scopes: " + strings.Join(v.Invalid, " "))
		}
	}

	return &Client{
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: method,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	}, nil
}

// validateRedirectURI accepts HTTPS URIs and loopback URIs on any port over
// http or https. Fragments are never allowed (RFC 6749 section 3.1.2).
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a valid URL", uri)
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", uri)
	}
	if u.Host == "" {
		return fmt.Errorf("redirect_uri %q must be an absolute URL with a host", uri)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri %q must use HTTPS unless it targets a loopback address", uri)
	default:
		return fmt.Errorf("redirect_uri %q must use the http or https scheme", uri)
	}
}

// authenticateClient checks the client's credentials at the token endpoint.
// Public clients rely on PKCE alone.
func (h *Handler) authenticateClient(r *http.Request, client *Client) *OAuthError {
	if client.Public() {
		return nil
	}

	secret := r.PostForm.Get("client_secret")
	if user, pass, ok := r.BasicAuth(); ok {
		if user != client.ClientID {
			return ErrInvalidClient("client authentication failed")
		}
		secret = pass
	}
	if secret == "" {
		return ErrInvalidClient("client authentication required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

