package middleware

import (
	"context"
	"net/http"
	"strings"

	"fleet-realtime/internal/auth"

	"github.com/rs/zerolog/log"
)

type contextKey string

const UserContextKey contextKey = "user"

// Auth validates the bearer token against secret and adds the claims to the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	logger := log.With().Str("module", "middleware").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Debug().Str("path", r.URL.Path).Msg("no authorization header")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.Debug().Int("parts", len(parts)).Msg("invalid authorization header format")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.Verify(parts[1], secret)
			if err != nil {
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("❌ invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, *claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole middleware checks if user has one of the roles (must be used after Auth)
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	logger := log.With().Str("module", "middleware").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r)
			if !ok {
				logger.Warn().Msg("user claims not found in context")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.Warn().Strs("required", roles).Str("role", claims.Role).Msg("insufficient permissions")
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) (auth.Claims, bool) {
	claims, ok := r.Context().Value(UserContextKey).(auth.Claims)
	return claims, ok
}
