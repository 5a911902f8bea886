package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Errors returned by the verifier. ErrNotConfigured means no credential is
// set at all, which callers surface as a server error rather than a 401: a
// misconfigured deployment should page, not look like a bad client.
var (
	ErrNotConfigured = errors.New("authentication not configured")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Config holds the service-to-service credentials. APIKeyHash is a bcrypt
// hash of the shared key and takes precedence over the plain APIKey so a
// deployment can drop the plaintext from its environment after rotation.
type Config struct {
	APIKey     string
	APIKeyHash string
	JWTSecret  string
}

// Verifier authenticates internal calls between the gateway and the engine.
type Verifier struct {
	config Config
}

// NewVerifier creates a verifier over the given credentials.
func NewVerifier(config Config) *Verifier {
	return &Verifier{config: config}
}

// Configured reports whether at least one credential is set.
func (v *Verifier) Configured() bool {
	return v.config.APIKey != "" || v.config.APIKeyHash != "" || v.config.JWTSecret != ""
}

// VerifyAPIKey checks a presented key against the configured credential.
func (v *Verifier) VerifyAPIKey(key string) error {
	if key == "" {
		return ErrUnauthorized
	}
	if v.config.APIKeyHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(v.config.APIKeyHash), []byte(key)) != nil {
			return ErrUnauthorized
		}
		return nil
	}
	if v.config.APIKey == "" {
		return ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(v.config.APIKey), []byte(key)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Authenticate validates a request from the X-API-Key header or, when a JWT
// secret is configured, from a bearer service token.
func (v *Verifier) Authenticate(r *http.Request) error {
	if !v.Configured() {
		return ErrNotConfigured
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return v.VerifyAPIKey(key)
	}

	if v.config.JWTSecret != "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			return ErrUnauthorized
		}
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return ErrUnauthorized
		}
		if _, err := v.VerifyServiceToken(token); err != nil {
			return ErrUnauthorized
		}
		return nil
	}

	return ErrUnauthorized
}
