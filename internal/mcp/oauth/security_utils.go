package oauth

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashForLogging creates a SHA256 hash of sensitive data for safe logging.
// Returns the first 16 characters of the hex-encoded hash, or an empty
// string for empty input.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
