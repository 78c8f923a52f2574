package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// DefaultAPIKeyHeader carries the control API key.
const DefaultAPIKeyHeader = "X-Agent-Key"

// APIKeyConfig configures the API key authenticator.
type APIKeyConfig struct {
	// HeaderName defaults to DefaultAPIKeyHeader.
	HeaderName string

	// KeyID names the key in logs and identities. Defaults to "control".
	KeyID string
}

// APIKeyAuthenticator accepts a single shared key.
type APIKeyAuthenticator struct {
	config  APIKeyConfig
	keyHash [sha256.Size]byte
}

// NewAPIKeyAuthenticator creates an authenticator for key. Only the key's
// SHA-256 digest is retained.
func NewAPIKeyAuthenticator(config APIKeyConfig, key string) *APIKeyAuthenticator {
	if config.HeaderName == "" {
		config.HeaderName = DefaultAPIKeyHeader
	}
	if config.KeyID == "" {
		config.KeyID = "control"
	}
	return &APIKeyAuthenticator{
		config:  config,
		keyHash: sha256.Sum256([]byte(key)),
	}
}

// Name returns "api_key".
func (a *APIKeyAuthenticator) Name() string {
	return "api_key"
}

// Supports returns true if the request carries the key header.
func (a *APIKeyAuthenticator) Supports(_ context.Context, req *AuthRequest) bool {
	return req.GetHeader(a.config.HeaderName) != ""
}

// Authenticate compares the presented key in constant time.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, req *AuthRequest) (*AuthResult, error) {
	presented := strings.TrimSpace(req.GetHeader(a.config.HeaderName))
	if presented == "" {
		return AuthFailure(ErrMissingCredentials, "api_key"), nil
	}

	sum := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(sum[:], a.keyHash[:]) != 1 {
		return AuthFailure(ErrInvalidCredentials, "api_key"), nil
	}

	return AuthSuccess(&Identity{
		Principal: a.config.KeyID,
		Method:    AuthMethodAPIKey,
		Claims:    map[string]any{"key_id": a.config.KeyID},
	}), nil
}

// HashAPIKey returns the hex SHA-256 digest of key, for logging a key
// fingerprint without the key itself.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)
