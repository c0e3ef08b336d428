package storage

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// Credential prefixes make leaked values identifiable in logs and secret
// scanners. The random part is a 43-character RFC 7636 verifier, which gives
// 256 bits of entropy from crypto/rand.
const (
	AuthorizationCodePrefix = "avl_authorization_code_"
	AccessTokenPrefix       = "avl_access_token_"
	RefreshTokenPrefix      = "avl_refresh_token_"
	ClientIDPrefix          = "avl_client_"
	ClientSecretPrefix      = "avl_secret_"
)

// NewAuthorizationCode generates a fresh opaque authorization code.
func NewAuthorizationCode() string {
	return AuthorizationCodePrefix + randomCredential()
}

// NewAccessToken generates a fresh opaque access token.
func NewAccessToken() string {
	return AccessTokenPrefix + randomCredential()
}

// NewRefreshToken generates a fresh opaque refresh token.
func NewRefreshToken() string {
	return RefreshTokenPrefix + randomCredential()
}

// NewClientID generates a public client identifier for the registry's
// administrative tooling.
func NewClientID() string {
	return ClientIDPrefix + randomCredential()
}

// NewClientSecret generates a client secret. Only its bcrypt hash is stored.
func NewClientSecret() string {
	return ClientSecretPrefix + randomCredential()
}

// HashToken returns the hex-encoded SHA-256 of a raw credential. Tokens are
// stored and looked up exclusively by this hash.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomCredential() string {
	// GenerateVerifier draws 32 bytes from crypto/rand and panics only if
	// the system randomness source is broken, which is not recoverable.
	return oauth2.GenerateVerifier()
}
