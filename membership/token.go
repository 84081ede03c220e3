// Package membership answers "who is this connection" and "is this user a
// member of that group right now". Credentials are validated locally against
// the issuer's JWKS; membership itself is a remote capability call and is
// re-checked on every join, because it can be revoked out-of-band.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier validates access tokens using the issuer's JWKS.
type TokenVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

type accessClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// NewTokenVerifier fetches and caches the issuer JWKS, retrying while the
// issuer is still starting.
func NewTokenVerifier(jwksURL, issuer string) (*TokenVerifier, error) {
	slog.Info("Initializing JWKS token verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for issuer JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &TokenVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates an access token, returning the identity it
// carries.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	return Identity{UserID: claims.Subject, Username: claims.PreferredUsername}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *TokenVerifier) Close() {
	v.jwks.EndBackground()
}
