package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo describes a captured bearer token. The signature is not
// verified; the agent only holds the token on the user's behalf.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token had expired at now.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// InspectToken decodes the bearer token in an Authorization header value.
// ErrNoBearerToken is returned when the header is not a bearer credential
// and ErrTokenMalformed when the token cannot be decoded.
func InspectToken(header string) (TokenInfo, error) {
	raw, ok := bearerToken(header)
	if !ok {
		return TokenInfo{}, ErrNoBearerToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenInfo{}, errors.Join(ErrTokenMalformed, err)
	}

	var info TokenInfo
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
