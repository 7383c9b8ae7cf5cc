package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// GenerateCodeVerifier generates a random code verifier for PKCE (RFC 7636)
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateCodeChallenge generates the code challenge from a code verifier using S256 method
// S256: code_challenge = BASE64URL(SHA256(ASCII(code_verifier)))
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyCodeChallenge reports whether verifier hashes to challenge. Only
// S256 is supported and the comparison is constant time.
func VerifyCodeChallenge(verifier, challenge, method string) bool {
	if method != CodeChallengeMethodS256 || verifier == "" || challenge == "" {
		return false
	}
	computed := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateCodeVerifier checks length and character set (RFC 7636 section 4.1).
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}
	return nil
}

// validateCodeChallenge checks an S256 challenge is a base64url SHA-256 digest.
func validateCodeChallenge(challenge string) error {
	if len(challenge) != 43 || !isUnreserved(challenge) {
		return fmt.Errorf("code_challenge must be a base64url-encoded SHA-256 digest")
	}
	return nil
}

func isUnreserved(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
