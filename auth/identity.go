package auth

import "time"

// AuthMethod indicates how a caller was authenticated.
type AuthMethod string

const (
	AuthMethodNone   AuthMethod = "none"
	AuthMethodJWT    AuthMethod = "jwt"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Identity is an authenticated control-channel caller.
type Identity struct {
	// Principal is the subject of a token or the key id of an API key.
	Principal string

	Method AuthMethod

	// Claims holds the token claims, if any.
	Claims map[string]any

	ExpiresAt time.Time
	IssuedAt  time.Time
}

// IsExpired checks if the identity has expired.
func (id *Identity) IsExpired() bool {
	if id.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(id.ExpiresAt)
}

// AnonymousIdentity is attached when the control surface runs without
// credentials configured.
func AnonymousIdentity() *Identity {
	return &Identity{
		Principal: "anonymous",
		Method:    AuthMethodNone,
		Claims:    make(map[string]any),
	}
}
