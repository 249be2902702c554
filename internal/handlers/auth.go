package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password string) (*services.LoginResult, error)
	CompleteTwoFactor(ctx context.Context, challengeToken, code, backupCode string) (*services.LoginResult, error)
	Logout(ctx context.Context, claims *auth.Claims, token string)
	ChangePassword(ctx context.Context, userID, current, next string) error
	IssueSSOToken(ctx context.Context, caller *auth.Claims) (string, error)
	ExchangeSSOToken(ctx context.Context, ssoToken string) (*services.LoginResult, error)
	Me(ctx context.Context, userID string) (*services.UserResponse, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	cookies  auth.CookieConfig
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. tokenTTL sets the cookie
// lifetime and should match the access token lifetime.
func NewAuthHandler(service AuthServiceInterface, cookies auth.CookieConfig, tokenTTL time.Duration, logger *slog.Logger) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = auth.DefaultTokenTTL
	}
	return &AuthHandler{
		service:  service,
		cookies:  cookies,
		tokenTTL: tokenTTL,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login. Username also
// accepts an email address.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=256"`
}

// CompleteTwoFactorRequest exchanges a challenge token for a session.
// Exactly one of Code and BackupCode is expected.
type CompleteTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required_without=BackupCode,omitempty,max=16"`
	BackupCode     string `json:"backup_code" validate:"required_without=Code,omitempty,max=16"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=256"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

// SSOExchangeRequest carries a handoff token minted by IssueSSO.
type SSOExchangeRequest struct {
	Token string `json:"token" validate:"required"`
}

// SSOTokenResponse is returned by IssueSSO.
type SSOTokenResponse struct {
	Token     string `json:"sso_token"`
	ExpiresIn int    `json:"expires_in"`
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.LoginResult
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 423 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, result)
}

// CompleteTwoFactor finishes a login that returned requires_2fa.
// @Router /auth/2fa/complete [post]
func (h *AuthHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req CompleteTwoFactorRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.CompleteTwoFactor(r.Context(), req.ChallengeToken, req.Code, req.BackupCode)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, result)
}

// writeSession sets the cookie when an access token was issued.
func (h *AuthHandler) writeSession(w http.ResponseWriter, result *services.LoginResult) {
	if result.AccessToken != "" {
		auth.SetAccessTokenCookie(w, result.AccessToken, h.tokenTTL, h.cookies)
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// Logout closes the session and clears the cookie.
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	token, _ := auth.ExtractToken(r)
	h.service.Logout(r.Context(), claims, token)
	auth.ClearAccessTokenCookie(w, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Me returns the authenticated principal.
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	user, err := h.service.Me(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user)
}

// ChangePassword changes the caller's own password.
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// IssueSSO mints a short-lived handoff token for another backend.
// @Router /auth/sso [post]
func (h *AuthHandler) IssueSSO(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	token, err := h.service.IssueSSOToken(r.Context(), claims)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, SSOTokenResponse{
		Token:     token,
		ExpiresIn: int(auth.SSOTokenTTL / time.Second),
	})
}

// ExchangeSSO turns a handoff token into a session on this backend.
// @Router /auth/sso/exchange [post]
func (h *AuthHandler) ExchangeSSO(w http.ResponseWriter, r *http.Request) {
	var req SSOExchangeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.ExchangeSSOToken(r.Context(), req.Token)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, result)
}
