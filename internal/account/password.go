package account

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// minPasswordLength is enforced on Create, not on CheckPassword: an
// existing hash must still verify even if the minimum changes later.
const minPasswordLength = 8

// ErrPasswordTooShort is returned by HashPassword for a plaintext
// password shorter than minPasswordLength.
var ErrPasswordTooShort = errors.New("account: password too short")

// HashPassword hashes an actor's plaintext password using bcrypt with
// the default cost (10 rounds). Returns the hashed password string
// suitable for storage in the actors table's password column.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against an actor's
// stored bcrypt hash. Returns nil on match, or an error if they don't
// match.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GeneratePassword creates a random 24-character hex string suitable
// for an auto-provisioned actor (e.g. a partition's first admin
// account, created before any human picks a password). The result
// contains only lowercase hex characters [0-9a-f] and always satisfies
// minPasswordLength.
func GeneratePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("password: generate: %w", err)
	}
	return hex.EncodeToString(b), nil
}
