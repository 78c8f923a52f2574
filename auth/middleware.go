package auth

import (
	"encoding/json"
	"net/http"

	"github.com/jonwraymond/offlineagent/observe"
)

// Middleware rejects requests that authn does not authenticate and attaches
// the caller's identity to the request context. A nil or empty authn lets
// every request through as AnonymousIdentity.
func Middleware(authn Authenticator, logger observe.Logger) func(http.Handler) http.Handler {
	logger = observe.OrNop(logger)
	if c, ok := authn.(*Composite); ok && c.Empty() {
		authn = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if authn == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, AnonymousIdentity())))
				return
			}

			result, err := authn.Authenticate(ctx, NewAuthRequest(r))
			if err != nil {
				logger.Error(ctx, "control authentication error", observe.Err(err))
				writeUnauthorized(w, err)
				return
			}
			if !result.Authenticated {
				logger.Warn(ctx, "control request rejected",
					observe.F("path", r.URL.Path),
					observe.F("method", result.Method),
					observe.Err(result.Error),
				)
				writeUnauthorized(w, result.Error)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, result.Identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, cause error) {
	msg := ErrInvalidCredentials.Error()
	if cause != nil {
		msg = cause.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="offlineagent"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
