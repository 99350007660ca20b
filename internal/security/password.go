package security

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifyPassword checks a candidate against the configured credential. A
// value with a bcrypt prefix is compared as a hash; anything else as a
// constant-time plain comparison for development setups.
func VerifyPassword(configured, candidate string) bool {
	configured = strings.TrimSpace(configured)
	if configured == "" || candidate == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}
