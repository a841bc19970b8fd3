package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/strogmv/notify/internal/pkg/errors"
)

type authContextKey struct{}

// AuthMiddleware resolves the caller from a bearer token in the Authorization header or, for
// EventSource and WebSocket clients that cannot set headers, the token query parameter.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			errors.WriteError(w, r, errors.New(http.StatusUnauthorized, "Unauthorized", "JWT token required"))
			return
		}

		userID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil || userID == "" {
			errors.WriteError(w, r, errors.New(http.StatusUnauthorized, "Unauthorized", "Invalid JWT"))
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CurrentUserID(r *http.Request) string {
	if id, ok := r.Context().Value(authContextKey{}).(string); ok {
		return id
	}
	return ""
}

// InternalMiddleware admits trusted platform callers presenting the shared internal token.
func (h *Handler) InternalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Token")
		if got == "" || h.opts.InternalToken == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.InternalToken)) != 1 {
			errors.WriteError(w, r, errors.New(http.StatusUnauthorized, "Unauthorized", "internal token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
