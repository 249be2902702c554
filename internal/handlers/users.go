package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
)

// UserService defines the interface for user business logic
type UserService interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error)
	SetActive(ctx context.Context, actor *auth.Claims, id string, active bool) error
	Unlock(ctx context.Context, actor *auth.Claims, id string) error
	SetLegacyRole(ctx context.Context, actor *auth.Claims, id, role string) error
}

// UserHandler handles principal administration requests
type UserHandler struct {
	service UserService
	logger  *slog.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(service UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		service: service,
		logger:  logger,
	}
}

// Request DTOs

// SetActiveRequest represents the request body for (de)activating a user
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// SetRoleRequest represents the request body for changing the legacy role
type SetRoleRequest struct {
	Role string `json:"role" validate:"max=64"`
}

// ListUsers lists principals
//
// @Summary List users
// @Param search query string false "Matches username, email or full name"
// @Param role query string false "Legacy role code"
// @Param active query bool false "Active flag"
// @Produce json
// @Success 200 {object} models.Page[models.User]
// @Router /users [get]
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	active, err := boolParam(r, "active")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	filter := models.UserFilter{
		Search: r.URL.Query().Get("search"),
		Role:   r.URL.Query().Get("role"),
		Active: active,
	}
	filter.Page, filter.PageSize = pageParams(r)

	page, err := h.service.ListUsers(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, page)
}

// GetUser retrieves a user by ID
//
// @Summary Get user by ID
// @Param id path string true "User ID"
// @Produce json
// @Success 200 {object} models.User
// @Failure 404 {object} pkghttp.ErrorResponse
// @Router /users/{id} [get]
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user)
}

// SetActive activates or deactivates a principal
// @Router /users/{id}/active [put]
func (h *UserHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.SetActive(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), *req.Active); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unlock clears a lockout
// @Router /users/{id}/unlock [post]
func (h *UserHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unlock(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRole replaces the legacy role code
// @Router /users/{id}/role [put]
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.SetLegacyRole(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), req.Role); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
