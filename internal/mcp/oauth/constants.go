package oauth

import "time"

// Flow timeouts
const (
	// DefaultPendingTTL is how long an authorize request waits for the upstream callback
	DefaultPendingTTL = 10 * time.Minute

	// DefaultAuthorizationCodeTTL is how long authorization codes are valid (10 minutes)
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often expired entries are swept (1 minute)
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultExchangeTimeout bounds the upstream code exchange
	DefaultExchangeTimeout = 15 * time.Second

	// maxRegistrationBody caps the DCR request body
	maxRegistrationBody = 64 << 10
)

// Endpoint paths relative to the issuer.
const (
	PathAuthServerMetadata        = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata = "/.well-known/oauth-protected-resource"
	PathRegister                  = "/oauth/register"
	PathAuthorize                 = "/oauth/authorize"
	PathCallback                  = "/oauth/callback"
	PathToken                     = "/oauth/token"
)

// Client authentication methods
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"

	// DefaultTokenEndpointAuthMethod is the RFC 7591 default
	DefaultTokenEndpointAuthMethod = AuthMethodClientSecretBasic
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
	CodeChallengeMethodS256    = "S256"
)

// PKCE and token generation constants
const (
	// MinCodeVerifierLength is the minimum length for PKCE code_verifier (RFC 7636)
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum length for PKCE code_verifier (RFC 7636)
	MaxCodeVerifierLength = 128

	// ClientIDTokenLength is the length of generated client IDs
	ClientIDTokenLength = 24

	// ClientSecretTokenLength is the length of generated client secrets
	ClientSecretTokenLength = 48

	// AuthorizationCodeLength is the length of generated authorization codes
	AuthorizationCodeLength = 32

	// StateTokenLength is the length of generated state parameters
	StateTokenLength = 32
)

var (
	// LoopbackAddresses lists recognized loopback addresses for development
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1"}

	// RegistrableGrantTypes are the grant types a client may register
	RegistrableGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

	// SupportedGrantTypes are accepted by the token endpoint
	SupportedGrantTypes = []string{GrantTypeAuthorizationCode}

	// SupportedResponseTypes are the response types supported
	SupportedResponseTypes = []string{ResponseTypeCode}

	// SupportedCodeChallengeMethods are the PKCE methods we support.
	// plain is never accepted.
	SupportedCodeChallengeMethods = []string{CodeChallengeMethodS256}

	// SupportedTokenAuthMethods are the supported token endpoint auth methods
	SupportedTokenAuthMethods = []string{AuthMethodNone, AuthMethodClientSecretBasic, AuthMethodClientSecretPost}

	// authorizationErrorCodes may be forwarded from the upstream provider to the client (RFC 6749 4.1.2.1)
	authorizationErrorCodes = []string{
		"invalid_request", "unauthorized_client", "access_denied", "unsupported_response_type",
		"invalid_scope", "server_error", "temporarily_unavailable",
	}
)

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
