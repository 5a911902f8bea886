package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "replygate"

// ServiceClaims identifies the calling service in an internal token.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Service string `json:"service"`
}

// IssueServiceToken signs a short-lived HS256 token naming the calling
// service. Used by deployments that prefer expiring tokens over a static
// shared key between the gateway and the engine.
func (v *Verifier) IssueServiceToken(service string, ttl time.Duration) (string, error) {
	if v.config.JWTSecret == "" {
		return "", ErrNotConfigured
	}

	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Service: service,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.config.JWTSecret))
}

// VerifyServiceToken validates and parses an internal service token.
func (v *Verifier) VerifyServiceToken(tokenString string) (*ServiceClaims, error) {
	if v.config.JWTSecret == "" {
		return nil, ErrNotConfigured
	}

	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("invalid token issuer")
	}
	return claims, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
