package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RegistrationServiceInterface defines the registration workflow
type RegistrationServiceInterface interface {
	Submit(ctx context.Context, in services.RegistrationInput) (*models.RegistrationRequest, error)
	List(ctx context.Context, status string, page, pageSize int) (*models.Page[*models.RegistrationRequest], error)
	Get(ctx context.Context, id string) (*models.RegistrationRequest, error)
	Approve(ctx context.Context, actor *auth.Claims, id, role string) (*models.User, error)
	Reject(ctx context.Context, actor *auth.Claims, id, reason string) (*models.RegistrationRequest, error)
}

// RegistrationHandler serves self-service applications and their review.
type RegistrationHandler struct {
	service RegistrationServiceInterface
	logger  *slog.Logger
}

// NewRegistrationHandler creates a new RegistrationHandler
func NewRegistrationHandler(service RegistrationServiceInterface, logger *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{service: service, logger: logger}
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Username      string `json:"username" validate:"required,min=3,max=64"`
	Email         string `json:"email" validate:"required,email,max=255"`
	Password      string `json:"password" validate:"required,max=256"`
	FullName      string `json:"full_name" validate:"max=255"`
	UserType      string `json:"user_type" validate:"omitempty,oneof=employee supplier"`
	RequestedRole string `json:"requested_role" validate:"max=64"`
	DepartmentID  *int64 `json:"department_id"`
	PositionID    *int64 `json:"position_id"`
	TeamID        *int64 `json:"team_id"`
}

// ApproveRegistrationRequest names the legacy role to grant, if any.
type ApproveRegistrationRequest struct {
	Role string `json:"role" validate:"max=64"`
}

// RejectRegistrationRequest carries the mandatory reason.
type RejectRegistrationRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// registrationReceived is returned whether or not the username or email was
// already taken.
const registrationReceived = "Registration received. You will be notified once it has been reviewed."

// Submit handles a registration application
// @Summary Submit a registration request
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Success 202
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /auth/register [post]
func (h *RegistrationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	_, err := h.service.Submit(r.Context(), services.RegistrationInput{
		Username:      req.Username,
		Email:         req.Email,
		Password:      req.Password,
		FullName:      req.FullName,
		UserType:      req.UserType,
		RequestedRole: req.RequestedRole,
		DepartmentID:  req.DepartmentID,
		PositionID:    req.PositionID,
		TeamID:        req.TeamID,
	})
	// A taken username or email gets the same answer as a fresh one.
	if err != nil && !errors.Is(err, models.ErrConflict) {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{"message": registrationReceived})
}

// List returns registration requests, optionally filtered by status.
// @Router /registrations [get]
func (h *RegistrationHandler) List(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	result, err := h.service.List(r.Context(), r.URL.Query().Get("status"), page, size)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// Get returns one registration request.
// @Router /registrations/{id} [get]
func (h *RegistrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, req)
}

// Approve creates the principal for a pending request.
// @Router /registrations/{id}/approve [post]
func (h *RegistrationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRegistrationRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
	}

	user, err := h.service.Approve(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user)
}

// Reject closes a pending request with a reason.
// @Router /registrations/{id}/reject [post]
func (h *RegistrationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRegistrationRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.Reject(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}
