package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/rbac"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// PermissionResolver returns a principal's current effective permissions.
// It is consulted on every request; token claims are never trusted for this.
type PermissionResolver interface {
	GetEffectivePermissions(ctx context.Context, userID string) (rbac.PermissionSet, error)
}

// DenialRecorder writes the audit entry for a rejected request.
type DenialRecorder interface {
	RecordAccessDenied(ctx context.Context, claims *Claims, denied []string)
}

// PermissionMiddleware enforces permission codes after AuthMiddleware.
type PermissionMiddleware struct {
	resolver PermissionResolver
	recorder DenialRecorder
	logger   *slog.Logger
	onDeny   func()
}

// NewPermissionMiddleware creates the middleware. recorder may be nil.
func NewPermissionMiddleware(resolver PermissionResolver, recorder DenialRecorder, logger *slog.Logger) *PermissionMiddleware {
	return &PermissionMiddleware{
		resolver: resolver,
		recorder: recorder,
		logger:   logger,
		onDeny:   func() {},
	}
}

// OnDeny registers a callback run after every denial.
func (m *PermissionMiddleware) OnDeny(fn func()) {
	m.onDeny = fn
}

// RequirePermission admits principals holding code.
func (m *PermissionMiddleware) RequirePermission(code string) func(next http.Handler) http.Handler {
	return m.require(func(set rbac.PermissionSet) []string {
		if set.Has(code) {
			return nil
		}
		return []string{code}
	})
}

// RequireAnyPermission admits principals holding at least one of codes.
func (m *PermissionMiddleware) RequireAnyPermission(codes ...string) func(next http.Handler) http.Handler {
	return m.require(func(set rbac.PermissionSet) []string {
		if set.HasAny(codes...) {
			return nil
		}
		return append([]string(nil), codes...)
	})
}

// RequireAllPermissions admits principals holding every one of codes.
func (m *PermissionMiddleware) RequireAllPermissions(codes ...string) func(next http.Handler) http.Handler {
	return m.require(func(set rbac.PermissionSet) []string {
		return set.Missing(codes...)
	})
}

// require runs check against the caller's permissions; a non-empty result
// lists the denied codes.
func (m *PermissionMiddleware) require(check func(rbac.PermissionSet) []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			set, err := m.resolver.GetEffectivePermissions(r.Context(), claims.UserID)
			if err != nil {
				m.logger.ErrorContext(r.Context(), "permission resolution failed",
					slog.String("user_id", claims.UserID),
					slog.Any("error", err))
				if errors.Is(err, models.ErrPersistenceFailed) {
					pkghttp.WriteServiceUnavailable(w, "authorization temporarily unavailable")
					return
				}
				pkghttp.WriteInternalError(w, "internal server error")
				return
			}

			if denied := check(set); len(denied) > 0 {
				m.logger.WarnContext(r.Context(), "access denied",
					slog.String("user_id", claims.UserID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("denied", denied))
				if m.recorder != nil {
					m.recorder.RecordAccessDenied(r.Context(), claims, denied)
				}
				m.onDeny()
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
