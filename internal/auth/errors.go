package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

// OAuth error subtypes carried by AuthError (RFC 6750 section 3.1).
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidToken      = "invalid_token"
	CodeInsufficientScope = "insufficient_scope"
	CodeAccessDenied      = "access_denied"
)

// AuthError is an explicit authentication or authorization failure. It is
// authoritative: the Manager never tries another strategy after one.
type AuthError struct {
	Status      int
	Strategy    string
	Code        string
	Description string
	// RequiredScope is set for insufficient_scope failures.
	RequiredScope string
	Err           error
}

func (e *AuthError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("%s: %s: %s", e.Strategy, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrNoValidAuthentication is returned when no strategy produced a principal.
var ErrNoValidAuthentication = &AuthError{
	Status:      http.StatusUnauthorized,
	Code:        CodeInvalidToken,
	Description: "no valid authentication credentials provided",
}

// Unauthorized builds a 401 invalid_token error.
func Unauthorized(strategy, description string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Strategy: strategy, Code: CodeInvalidToken, Description: description}
}

// Forbidden builds a 403 access_denied error for membership or tenant
// denials. Scope failures use InsufficientScope.
func Forbidden(strategy, description string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Strategy: strategy, Code: CodeAccessDenied, Description: description}
}

// BadRequest builds a 400 invalid_request error.
func BadRequest(strategy, description string) *AuthError {
	return &AuthError{Status: http.StatusBadRequest, Strategy: strategy, Code: CodeInvalidRequest, Description: description}
}

// InsufficientScope builds the 403 returned when a principal lacks the scope
// an operation requires.
func InsufficientScope(required string) *AuthError {
	return &AuthError{
		Status:        http.StatusForbidden,
		Code:          CodeInsufficientScope,
		Description:   fmt.Sprintf("operation requires the %q scope", required),
		RequiredScope: required,
	}
}

// ConnectivityError reports that a strategy's verification backend could not
// be reached. It says nothing about the credential itself.
type ConnectivityError struct {
	Strategy string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: verification backend unavailable: %v", e.Strategy, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// isConnectivity classifies transport level failures.
func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) ||
		errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrJWKSUnavailable) ||
		errors.Is(err, ErrTokenInfoUnavailable) ||
		errors.Is(err, directory.ErrUnavailable)
}

// asConnectivity wraps err as a ConnectivityError when it is transport
// related and returns nil otherwise.
func asConnectivity(strategy string, err error) *ConnectivityError {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ce
	}
	if isConnectivity(err) {
		return &ConnectivityError{Strategy: strategy, Err: err}
	}
	return nil
}
