package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces access-token auth on HTTP and websocket handshake
// requests. The token is read from the Authorization header or, for
// sockets, the token query parameter. When auth is disabled the user id
// may be passed as the token.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			if !service.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &User{ID: token, Name: service.DisplayName(token)})))
				return
			}
			user, err := service.ValidateAccess(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "path", r.URL.Path, "error", err)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// TokenFromRequest returns the bearer token or token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := extractBearer(r.Header); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header http.Header) string {
	for _, value := range header.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}
