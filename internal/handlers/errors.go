package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/models"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// writeServiceError maps the error taxonomy onto HTTP responses.
// Authentication and authorization failures use fixed messages so callers
// cannot tell which check failed.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var lf *models.LoginFailure
	if errors.As(err, &lf) {
		switch {
		case lf.Locked:
			pkghttp.WriteLocked(w, "account is temporarily locked")
		case lf.Disclose:
			pkghttp.WriteErrorWithDetails(w, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed,
				"authentication failed", fmt.Sprintf("%d attempt(s) remaining", lf.Remaining))
		default:
			pkghttp.WriteUnauthorized(w, "authentication failed")
		}
		return
	}

	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		pkghttp.WriteValidationFailed(w, ve.Message, ve.Field)
	case errors.Is(err, models.ErrValidationFailed):
		pkghttp.WriteValidationFailed(w, "validation failed", "")
	case errors.Is(err, models.ErrPasswordReused):
		pkghttp.WriteValidationFailed(w, "password was used recently", "new_password")
	case errors.Is(err, models.ErrAuthenticationFailed):
		pkghttp.WriteUnauthorized(w, "authentication failed")
	case errors.Is(err, models.ErrAccountLocked):
		pkghttp.WriteLocked(w, "account is temporarily locked")
	case errors.Is(err, models.ErrAccountDisabled):
		pkghttp.WriteError(w, http.StatusForbidden, pkghttp.CodeAccountDisabled, "account is disabled")
	case errors.Is(err, models.ErrReauthRequired):
		pkghttp.WriteUnauthorized(w, "recent password verification required")
	case errors.Is(err, models.ErrAuthorizationDenied):
		pkghttp.WriteForbidden(w, "insufficient permissions")
	case errors.Is(err, models.ErrTooManyAttempts):
		pkghttp.WriteTooManyRequests(w, "too many attempts")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "resource not found")
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrTwoFactorEnabled),
		errors.Is(err, models.ErrTwoFactorNotEnabled),
		errors.Is(err, models.ErrTwoFactorNotEnrolled):
		pkghttp.WriteConflict(w, err.Error())
	case errors.Is(err, models.ErrPersistenceFailed):
		logger.ErrorContext(r.Context(), "persistence unavailable",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "service temporarily unavailable")
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "internal server error")
	}
}
