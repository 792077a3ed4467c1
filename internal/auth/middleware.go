package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/authgate/internal/models"
	pkghttp "github.com/BradenHooton/authgate/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing session claims in context
	ClaimsContextKey contextKey = "session_claims"
	// TokenContextKey is the key for storing the raw session token in context
	TokenContextKey contextKey = "session_token"
)

// SessionAuthenticator resolves a session token to its claims, checking the session store
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*models.SessionClaims, error)
}

// RequireSession rejects requests without a live session cookie and injects the claims.
// Storage failures fail closed with 503.
func RequireSession(authenticator SessionAuthenticator, cookies CookieConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := GetSessionCookie(r, cookies)
			if token == "" {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			claims, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, models.ErrStorageUnavailable) {
					logger.Error("session lookup failed", slog.Any("error", err))
					pkghttp.WriteServiceUnavailable(w, "Please try again later")
					return
				}
				ClearSessionCookie(w, cookies)
				pkghttp.WriteUnauthorized(w, "Invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaimsFromContext extracts session claims from request context
func GetClaimsFromContext(r *http.Request) *models.SessionClaims {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.SessionClaims)
	if !ok {
		return nil
	}
	return claims
}

// GetTokenFromContext extracts the raw session token from request context
func GetTokenFromContext(r *http.Request) string {
	token, _ := r.Context().Value(TokenContextKey).(string)
	return token
}
