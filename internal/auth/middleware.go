// middleware.go

// Bearer authentication and admission-control middleware.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	userIDKey contextKey = "user_id"
	claimsKey contextKey = "claims"
)

// UserIDFromContext retrieves the authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// ClaimsFromContext retrieves the verified access token claims from context.
// Returns nil and false if RequireAuth hasn't run.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*AccessClaims)
	return c, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAuth validates the bearer access token and injects user_id and claims into
// context. Every failure returns the same 401.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require auth failed", "reason", "missing_bearer_token")
			Unauthorized(w, r, "unauthorized")
			return
		}
		claims, err := h.Auth.Tokens.ValidateAccessToken(raw)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_access_token")
			Unauthorized(w, r, "unauthorized")
			return
		}
		// ValidateAccessToken already rejected unparseable subjects.
		userID, _ := claims.UserID()

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit admits requests of class before any other work. The identity is the user
// from a valid bearer token, otherwise the client IP. Counter outages admit.
func (h *AuthHandler) RateLimit(class EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			if err := h.Limiter.Check(r.Context(), class, h.requestIdentity(r)); err != nil {
				logInfo(r, "request rate limited", "class", string(class))
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *AuthHandler) requestIdentity(r *http.Request) Identity {
	id := Identity{IP: clientIP(r)}
	if raw, ok := bearerToken(r); ok {
		if claims, err := h.Auth.Tokens.ValidateAccessToken(raw); err == nil {
			id.UserID, _ = claims.UserID()
		}
	}
	return id
}
