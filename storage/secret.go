package storage

import "golang.org/x/crypto/bcrypt"

// HashClientSecret hashes a client secret with bcrypt for storage on an
// Application record. The registry never holds the raw secret.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
