package auth

import (
	"context"
	"net/http"

	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing verified claims in context
	UserContextKey contextKey = "user"
)

// TokenFailureRecorder writes the audit entry for a presented token that
// failed verification.
type TokenFailureRecorder interface {
	RecordTokenRejected(ctx context.Context, reason string)
}

// ReasonInvalidToken is recorded for a token that is malformed, expired,
// wrongly signed or of the wrong type.
const ReasonInvalidToken = "invalid_token"

// AuthMiddleware verifies the request token and injects its claims into the
// context. Only access tokens are accepted. recorder may be nil; requests
// without any token are not recorded.
func AuthMiddleware(tm *TokenManager, recorder TokenFailureRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ExtractToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			claims, err := tm.VerifyType(token, TokenTypeAccess)
			if err != nil {
				if recorder != nil {
					recorder.RecordTokenRejected(r.Context(), ReasonInvalidToken)
				}
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// ClaimsFromContext returns the verified claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(UserContextKey).(*Claims)
	return claims
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *Claims {
	return ClaimsFromContext(r.Context())
}
