package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("control-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func requestWith(header, value string) *AuthRequest {
	h := http.Header{}
	if header != "" {
		h.Set(header, value)
	}
	return &AuthRequest{Headers: h}
}

func TestAPIKeyAuthenticator(t *testing.T) {
	a := NewAPIKeyAuthenticator(APIKeyConfig{}, "s3cret")

	tests := []struct {
		name    string
		req     *AuthRequest
		wantOK  bool
		wantErr error
	}{
		{"valid key", requestWith(DefaultAPIKeyHeader, "s3cret"), true, nil},
		{"valid key with whitespace", requestWith(DefaultAPIKeyHeader, " s3cret "), true, nil},
		{"wrong key", requestWith(DefaultAPIKeyHeader, "nope"), false, ErrInvalidCredentials},
		{"missing header", requestWith("", ""), false, ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := a.Authenticate(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if result.Authenticated != tt.wantOK {
				t.Fatalf("Authenticated = %v, want %v", result.Authenticated, tt.wantOK)
			}
			if tt.wantErr != nil && !errors.Is(result.Error, tt.wantErr) {
				t.Errorf("Error = %v, want %v", result.Error, tt.wantErr)
			}
			if tt.wantOK && result.Identity.Method != AuthMethodAPIKey {
				t.Errorf("Method = %v", result.Identity.Method)
			}
		})
	}
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator(JWTConfig{Secret: testSecret, Issuer: "ops"})
	now := time.Now()

	tests := []struct {
		name    string
		header  string
		wantOK  bool
		wantErr error
	}{
		{
			name:   "valid",
			header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "admin", "iss": "ops", "exp": now.Add(time.Hour).Unix()}),
			wantOK: true,
		},
		{
			name:    "expired",
			header:  "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "admin", "iss": "ops", "exp": now.Add(-time.Hour).Unix()}),
			wantErr: ErrTokenExpired,
		},
		{
			name:    "wrong secret",
			header:  "Bearer " + signToken(t, []byte("other"), jwt.MapClaims{"sub": "admin", "iss": "ops"}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "wrong issuer",
			header:  "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "admin", "iss": "someone"}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "garbage",
			header:  "Bearer not.a.jwt",
			wantErr: ErrTokenMalformed,
		},
		{
			name:    "empty bearer",
			header:  "Bearer ",
			wantErr: ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := a.Authenticate(context.Background(), requestWith("Authorization", tt.header))
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if result.Authenticated != tt.wantOK {
				t.Fatalf("Authenticated = %v, want %v (err %v)", result.Authenticated, tt.wantOK, result.Error)
			}
			if tt.wantErr != nil && !errors.Is(result.Error, tt.wantErr) {
				t.Errorf("Error = %v, want %v", result.Error, tt.wantErr)
			}
			if tt.wantOK && result.Identity.Principal != "admin" {
				t.Errorf("Principal = %q", result.Identity.Principal)
			}
		})
	}
}

func TestComposite_FirstSuccessWins(t *testing.T) {
	c := NewComposite(
		NewAPIKeyAuthenticator(APIKeyConfig{}, "k"),
		nil,
		NewJWTAuthenticator(JWTConfig{Secret: testSecret}),
	)
	ctx := context.Background()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"sub": "ops"}))
	result, err := c.Authenticate(ctx, &AuthRequest{Headers: h})
	if err != nil || !result.Authenticated || result.Method != "jwt" {
		t.Fatalf("Authenticate() = %+v, %v", result, err)
	}

	result, _ = c.Authenticate(ctx, requestWith("", ""))
	if result.Authenticated || !errors.Is(result.Error, ErrMissingCredentials) {
		t.Errorf("no credentials: %+v", result)
	}
}

func TestMiddleware(t *testing.T) {
	var principal string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name          string
		authn         Authenticator
		key           string
		wantStatus    int
		wantPrincipal string
	}{
		{"no authenticator", nil, "", http.StatusNoContent, "anonymous"},
		{"empty composite", NewComposite(), "", http.StatusNoContent, "anonymous"},
		{"valid key", NewComposite(NewAPIKeyAuthenticator(APIKeyConfig{}, "k")), "k", http.StatusNoContent, "control"},
		{"wrong key", NewComposite(NewAPIKeyAuthenticator(APIKeyConfig{}, "k")), "x", http.StatusUnauthorized, ""},
		{"missing key", NewComposite(NewAPIKeyAuthenticator(APIKeyConfig{}, "k")), "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal = ""
			req := httptest.NewRequest(http.MethodPost, "/_agent/control", nil)
			if tt.key != "" {
				req.Header.Set(DefaultAPIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			Middleware(tt.authn, nil)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if principal != tt.wantPrincipal {
				t.Errorf("principal = %q, want %q", principal, tt.wantPrincipal)
			}
		})
	}
}

func TestInspectToken(t *testing.T) {
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	expired := signToken(t, []byte("unknown-to-agent"), jwt.MapClaims{"sub": "u1", "exp": past.Unix()})

	info, err := InspectToken("Bearer " + expired)
	if err != nil {
		t.Fatalf("InspectToken() error = %v", err)
	}
	if info.Subject != "u1" || !info.ExpiresAt.Equal(past) {
		t.Errorf("InspectToken() = %+v", info)
	}
	if !info.Expired(time.Now()) {
		t.Error("token should be expired")
	}

	if _, err := InspectToken("Basic abc"); !errors.Is(err, ErrNoBearerToken) {
		t.Errorf("basic header: err = %v", err)
	}
	if _, err := InspectToken("Bearer garbage"); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("garbage token: err = %v", err)
	}
	if (TokenInfo{}).Expired(time.Now()) {
		t.Error("token without exp must not be expired")
	}
}
