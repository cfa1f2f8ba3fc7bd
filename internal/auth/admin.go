package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminCredentials guard the token issuing endpoint.
// PasswordHash is a bcrypt hash as produced by HashPassword.
type AdminCredentials struct {
	User         string
	PasswordHash string
}

// Enabled reports whether credentials are configured.
func (c AdminCredentials) Enabled() bool {
	return c.User != "" && c.PasswordHash != ""
}

// Valid checks user and password in constant time with respect to the user name.
func (c AdminCredentials) Valid(user, password string) bool {
	if !c.Enabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(c.User), []byte(user)) == 1
	// Always run bcrypt so a wrong user costs the same as a wrong password.
	passOK := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

// HashPassword returns a bcrypt hash for password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
