package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"chatsync/pkg/logger"
	"chatsync/pkg/utils"
)

type ctxKey struct{}

// UserIDFromContext returns the authenticated user id placed by Require,
// or "" when the request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// BearerToken extracts the session token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// websocket clients can't always set headers; allow a query fallback
	return r.URL.Query().Get("token")
}

// Require rejects requests without a valid, unrevoked session token and
// injects the user id into the request context.
func (s *Service) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			utils.JSONError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		userID, err := s.CurrentUserID(token)
		if err != nil {
			logger.Debug("auth_rejected", "path", r.URL.Path, "error", err)
			utils.JSONError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// RateLimit applies a per-client-IP token bucket to the wrapped handler.
func RateLimit(cfg LimiterConfig, next http.Handler) http.Handler {
	pool := &limiterPool{cfg: cfg}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !pool.Allow(host) {
			utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
