// Package jwt authenticates stream and heartbeat requests with HS256 tokens issued by
// the platform's auth service.
package jwt

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtpkg "github.com/golang-jwt/jwt/v5"

	"github.com/strogmv/notify/internal/port"
)

type Claims struct {
	jwtpkg.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func New(secret, issuer, audience string) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
	}
}

// Authenticate returns the user id carried by token in the user_id claim, or sub when absent.
func (a *Authenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", port.ErrUnauthenticated
	}
	opts := []jwtpkg.ParserOption{
		jwtpkg.WithValidMethods([]string{jwtpkg.SigningMethodHS256.Alg()}),
		jwtpkg.WithLeeway(a.leeway),
		jwtpkg.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwtpkg.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwtpkg.WithAudience(a.audience))
	}

	claims := &Claims{}
	parsed, err := jwtpkg.ParseWithClaims(token, claims, func(*jwtpkg.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", port.ErrUnauthenticated, err)
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", port.ErrUnauthenticated)
	}
	return userID, nil
}

// Issue signs a token for userID. Used by tooling and tests; production tokens come from the auth service.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwtpkg.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtpkg.NewNumericDate(now),
			ExpiresAt: jwtpkg.NewNumericDate(now.Add(ttl)),
			Issuer:    a.issuer,
		},
		UserID: userID,
	}
	if a.audience != "" {
		claims.Audience = jwtpkg.ClaimStrings{a.audience}
	}
	signed, err := jwtpkg.NewWithClaims(jwtpkg.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
