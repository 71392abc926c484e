package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// SecretVerifier checks bearer tokens against a configured shared secret.
// The secret may be stored in plain text or as a bcrypt hash.
type SecretVerifier struct {
	secret string
	hashed bool
}

// NewSecretVerifier creates a verifier. An empty secret disables checks.
func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{
		secret: secret,
		hashed: isBcryptHash(secret),
	}
}

// Enabled reports whether a secret is configured
func (v *SecretVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks a presented token
func (v *SecretVerifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingCredentials
	}
	if v.hashed {
		if err := bcrypt.CompareHashAndPassword([]byte(v.secret), []byte(token)); err != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if !SecureCompare(token, v.secret) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests without a valid bearer token
func (v *SecretVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(BearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mediabot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashSecret returns a bcrypt hash suitable for storing in configuration
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
