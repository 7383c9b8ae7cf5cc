package oauth

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestGenerateCodeVerifier(t *testing.T) {
	verifier := GenerateCodeVerifier()

	if err := ValidateCodeVerifier(verifier); err != nil {
		t.Fatalf("GenerateCodeVerifier() produced an invalid verifier: %v", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(verifier); err != nil {
		t.Errorf("GenerateCodeVerifier() not valid base64url: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v := GenerateCodeVerifier()
		if seen[v] {
			t.Fatalf("GenerateCodeVerifier() generated duplicate: %s", v)
		}
		seen[v] = true
	}
}

func TestGenerateCodeChallenge(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := GenerateCodeChallenge(verifier); got != want {
		t.Errorf("GenerateCodeChallenge() = %s, want %s", got, want)
	}
	if err := validateCodeChallenge(want); err != nil {
		t.Errorf("validateCodeChallenge() error = %v", err)
	}
}

func TestVerifyCodeChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := GenerateCodeChallenge(verifier)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"valid S256", verifier, challenge, "S256", true},
		{"wrong verifier", GenerateCodeVerifier(), challenge, "S256", false},
		{"plain is never accepted", verifier, verifier, "plain", false},
		{"missing method", verifier, challenge, "", false},
		{"empty verifier", "", challenge, "S256", false},
		{"empty challenge", verifier, "", "S256", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyCodeChallenge(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("VerifyCodeChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateCodeVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", strings.Repeat("a", 43), false},
		{"maximum length", strings.Repeat("a", 128), false},
		{"unreserved punctuation", strings.Repeat("a", 40) + "-._~", false},
		{"too short", strings.Repeat("a", 42), true},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid character", strings.Repeat("a", 42) + "+", true},
		{"space", strings.Repeat("a", 42) + " ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCodeVerifier(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCodeVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateSecureToken(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{"client id", ClientIDTokenLength},
		{"client secret", ClientSecretTokenLength},
		{"authorization code", AuthorizationCodeLength},
		{"state", StateTokenLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := generateSecureToken(tt.length)
			if err != nil {
				t.Fatalf("generateSecureToken() error = %v", err)
			}
			raw, err := base64.RawURLEncoding.DecodeString(token)
			if err != nil {
				t.Fatalf("generateSecureToken() not valid base64url: %v", err)
			}
			if len(raw) != tt.length {
				t.Errorf("decoded length = %d, want %d", len(raw), tt.length)
			}
		})
	}
}
