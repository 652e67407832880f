package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaqueToken is returned when a token is not a JWT.
var ErrOpaqueToken = errors.New("token is not a JWT")

// TokenInfo holds the registered claims of an access token.
// The signature is NOT verified: this is display information only and must
// never be used for authorization decisions.
type TokenInfo struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasExpiry reports whether the token carries an exp claim.
func (t *TokenInfo) HasExpiry() bool {
	return !t.ExpiresAt.IsZero()
}

// ExpiresIn returns the remaining lifetime relative to now.
// Zero is returned for tokens without an exp claim.
func (t *TokenInfo) ExpiresIn(now time.Time) time.Duration {
	if !t.HasExpiry() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// InspectToken decodes the registered claims of raw without verifying it.
func InspectToken(raw string) (*TokenInfo, error) {
	if raw == "" {
		return nil, ErrOpaqueToken
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}

	info := &TokenInfo{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
