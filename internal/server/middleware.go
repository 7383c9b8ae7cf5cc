package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
)

// SessionHeader carries the MCP session id on streamable HTTP requests.
const SessionHeader = "Mcp-Session-Id"

// DefaultRealm is the realm advertised in WWW-Authenticate challenges.
const DefaultRealm = "opencrm"

// Authenticator resolves the principal of a request. *auth.Manager
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.AuthContext, error)
}

// AuthMiddleware protects a handler with the authentication pipeline and
// binds MCP sessions to the principal that created them.
type AuthMiddleware struct {
	authenticator    Authenticator
	sessions         *SessionManager
	realm            string
	resourceMetadata string
	apiKeyHeader     string
	logger           *slog.Logger
}

// AuthMiddlewareConfig holds AuthMiddleware settings.
type AuthMiddlewareConfig struct {
	Realm string
	// ResourceMetadataURL is advertised in challenges so clients can
	// discover the authorization server (RFC 9728 section 5.1).
	ResourceMetadataURL string
	// Sessions is optional. When set, requests carrying a session id must
	// come from the session's principal.
	Sessions *SessionManager
	// APIKeyHeader counts as presented credentials. Defaults to
	// auth.DefaultAPIKeyHeader.
	APIKeyHeader string
	Logger       *slog.Logger
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(authenticator Authenticator, cfg AuthMiddlewareConfig) *AuthMiddleware {
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = auth.DefaultAPIKeyHeader
	}
	return &AuthMiddleware{
		authenticator:    authenticator,
		sessions:         cfg.Sessions,
		realm:            cfg.Realm,
		resourceMetadata: cfg.ResourceMetadataURL,
		apiKeyHeader:     cfg.APIKeyHeader,
		logger:           cfg.Logger,
	}
}

// Wrap returns next guarded by authentication.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := m.authenticator.Authenticate(r.Context(), r)
		if err != nil {
			m.writeAuthError(w, r, err)
			return
		}

		if sid := r.Header.Get(SessionHeader); sid != "" && m.sessions != nil {
			p := Principal{UserID: ac.UserID, TenantID: ac.TenantID}
			if err := m.sessions.Bind(sid, p); err != nil {
				m.logger.Warn("session used by a different principal",
					logging.Tenant(ac.TenantID),
					logging.Err(err))
				writeJSONError(w, http.StatusForbidden, "access_denied", "session belongs to a different principal")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.WithAuthContext(r.Context(), ac)))
	})
}

// writeAuthError maps an authentication failure onto an RFC 6750 response.
func (m *AuthMiddleware) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	challenge := oauth.BearerChallenge{
		Realm:            m.realm,
		ResourceMetadata: m.resourceMetadata,
	}

	status := http.StatusUnauthorized
	var authErr *auth.AuthError
	switch {
	case errors.Is(err, auth.ErrNoValidAuthentication) && !m.hasCredentials(r):
		// A request without credentials gets a bare challenge
		// (RFC 6750 section 3.1).
		challenge.ErrorDescription = auth.ErrNoValidAuthentication.Description
	case errors.As(err, &authErr):
		status = authErr.Status
		challenge.Error = authErr.Code
		challenge.ErrorDescription = authErr.Description
		challenge.Scope = authErr.RequiredScope
	default:
		m.logger.Error("unexpected authentication failure", logging.Err(err))
		challenge.Error = auth.CodeInvalidToken
		challenge.ErrorDescription = "authentication failed"
	}

	if status == 0 {
		status = http.StatusUnauthorized
	}
	oauth.WriteBearerError(w, status, challenge)
}

func (m *AuthMiddleware) hasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.Header.Get(m.apiKeyHeader) != ""
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauth.ErrorResponse{Error: code, ErrorDescription: description})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// InstrumentHTTP records request count and latency per normalized route.
func InstrumentHTTP(metrics *instrumentation.Metrics, next http.Handler) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, instrumentation.NormalizePath(r.URL.Path), rec.status, time.Since(start))
	})
}
