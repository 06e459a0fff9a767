package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// tokenByteLength is the number of random bytes generated for internal
// secrets. 32 bytes = 256 bits of entropy, hex-encoded to a 64-character
// string, which clears the CRON_SECRET min=32 validation with room to spare.
const tokenByteLength = 32

// GenerateSecureToken produces a cryptographically secure random token
// suitable for the internal service token or the cron trigger secret.
// The value is returned to the caller for SSM storage and never logged.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashServiceToken derives the bcrypt hash the billing engine verifies
// against. The engine is only ever configured with the hash; the plaintext
// token goes to the calling application.
func HashServiceToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing service token: %w", err)
	}
	return string(hash), nil
}
