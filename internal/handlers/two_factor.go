package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// TwoFactorServiceInterface is the enrollment side of the two-factor service.
type TwoFactorServiceInterface interface {
	Setup(ctx context.Context, userID string) (*models.TwoFactorSetup, error)
	VerifyAndEnable(ctx context.Context, userID, code string) (bool, error)
	Disable(ctx context.Context, userID string, proof *services.ReauthProof) error
	RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error)
	Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error)
}

// Reauthenticator re-checks the caller's password before sensitive changes.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context, userID, password string) (*services.ReauthProof, error)
}

// TwoFactorHandler serves the caller's own two-factor enrollment.
type TwoFactorHandler struct {
	service TwoFactorServiceInterface
	reauth  Reauthenticator
	logger  *slog.Logger
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(service TwoFactorServiceInterface, reauth Reauthenticator, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{service: service, reauth: reauth, logger: logger}
}

// TwoFactorCodeRequest carries a TOTP code.
type TwoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

// PasswordConfirmRequest carries the caller's current password.
type PasswordConfirmRequest struct {
	Password string `json:"password" validate:"required,max=256"`
}

// BackupCodesResponse lists freshly issued backup codes. They are shown once.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Status reports the caller's enrollment state.
// @Router /auth/2fa [get]
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}
	status, err := h.service.Status(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Setup starts an enrollment and returns the secret, QR code and backup codes.
// @Router /auth/2fa/setup [post]
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}
	setup, err := h.service.Setup(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, setup)
}

// Enable confirms a pending enrollment with a code from the authenticator.
// @Router /auth/2fa/enable [post]
func (h *TwoFactorHandler) Enable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req TwoFactorCodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	ok, err := h.service.VerifyAndEnable(r.Context(), claims.UserID, req.Code)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if !ok {
		pkghttp.WriteValidationFailed(w, "invalid verification code", "code")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "two-factor authentication enabled"})
}

// Disable removes the enrollment after a password re-check.
// @Router /auth/2fa/disable [post]
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req PasswordConfirmRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	proof, err := h.reauth.Reauthenticate(r.Context(), claims.UserID, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.Disable(r.Context(), claims.UserID, proof); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "two-factor authentication disabled"})
}

// RegenerateBackupCodes replaces every unused backup code after a password
// re-check.
// @Router /auth/2fa/backup-codes [post]
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req PasswordConfirmRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if _, err := h.reauth.Reauthenticate(r.Context(), claims.UserID, req.Password); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}
