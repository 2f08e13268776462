package fleetapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an opaque remote session token with its known expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is structurally expired at now. A token
// without a known expiry is never considered expired here.
func (t Token) Expired(now time.Time) bool {
	if t.Value == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// TokenExpiry reads the exp claim of a JWT-shaped token without verifying its
// signature. The remote platform signs its own tokens; only the structure is
// checked locally.
func TokenExpiry(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

// NewToken builds a Token, deriving the expiry from the JWT exp claim when the
// fallback is zero.
func NewToken(value string, fallback time.Time) Token {
	token := Token{Value: value, ExpiresAt: fallback}
	if exp, ok := TokenExpiry(value); ok {
		if fallback.IsZero() || exp.Before(fallback) {
			token.ExpiresAt = exp
		}
	}
	return token
}
