package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/rbac"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RBACServiceInterface defines the authorization engine used by the HTTP
// surface.
type RBACServiceInterface interface {
	GetEffectivePermissions(ctx context.Context, userID string) (rbac.PermissionSet, error)
	GetRoles(ctx context.Context, userID string) ([]string, error)
	GetDataFilter(ctx context.Context, userID, module, resource string) (rbac.Filter, error)
	GetMenus(ctx context.Context, userID, module string) ([]*models.MenuPermission, error)
	ClearCache(ctx context.Context, userID string)

	ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error)
	GetRole(ctx context.Context, code string) (*models.Role, []string, error)
	CreateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error)
	UpdateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error)
	DeactivateRole(ctx context.Context, actor *auth.Claims, code string) error
	ListPermissions(ctx context.Context, module string) ([]*models.Permission, error)
	CreatePermission(ctx context.Context, actor *auth.Claims, code, category, description string) (*models.Permission, error)
	SetRolePermissions(ctx context.Context, actor *auth.Claims, role string, codes []string) error
	SetRoleMenus(ctx context.Context, actor *auth.Claims, role string, codes []string) error
	AssignRole(ctx context.Context, actor *auth.Claims, userID, role string) error
	RemoveRole(ctx context.Context, actor *auth.Claims, userID, role string) error
	ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error)
	CreateDataRule(ctx context.Context, actor *auth.Claims, rule *models.DataPermissionRule) error
	DeleteDataRule(ctx context.Context, actor *auth.Claims, id string) error
}

// RBACHandler serves permission lookups for principals and consuming
// backends, and role administration.
type RBACHandler struct {
	service RBACServiceInterface
	logger  *slog.Logger
}

// NewRBACHandler creates a new RBACHandler
func NewRBACHandler(service RBACServiceInterface, logger *slog.Logger) *RBACHandler {
	return &RBACHandler{service: service, logger: logger}
}

// PermissionsResponse describes the caller's effective authorization.
type PermissionsResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	IsAdmin     bool     `json:"is_admin"`
	Permissions []string `json:"permissions"`
}

// CheckRequest asks whether the caller holds the listed codes. Mode "any"
// needs one of them, "all" (the default) needs every one. Module, when set,
// additionally requires access to that module.
type CheckRequest struct {
	Permissions []string `json:"permissions" validate:"required_without=Module,max=100,dive,required,max=255"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=any all"`
	Module      string   `json:"module" validate:"max=64"`
}

// CheckResponse is the answer to a CheckRequest.
type CheckResponse struct {
	Allowed bool     `json:"allowed"`
	Missing []string `json:"missing,omitempty"`
}

// DataFilterResponse carries the merged row filter. Unrestricted means no
// filter applies.
type DataFilterResponse struct {
	Module       string      `json:"module"`
	Resource     string      `json:"resource"`
	Unrestricted bool        `json:"unrestricted"`
	Filter       rbac.Filter `json:"filter,omitempty"`
}

// RoleRequest creates or updates a role.
type RoleRequest struct {
	Code     string  `json:"code" validate:"required,max=64"`
	Name     string  `json:"name" validate:"required,max=255"`
	Level    int     `json:"level" validate:"gte=0,lte=1000"`
	Module   *string `json:"module" validate:"omitempty,max=64"`
	IsActive *bool   `json:"is_active"`
}

// RoleDetailResponse is a role with the codes it grants.
type RoleDetailResponse struct {
	*models.Role
	Permissions []string `json:"permissions"`
}

// PermissionRequest defines a new permission code.
type PermissionRequest struct {
	Code        string `json:"code" validate:"required,max=255"`
	Category    string `json:"category" validate:"max=64"`
	Description string `json:"description" validate:"max=1000"`
}

// CodesRequest replaces a list of granted codes.
type CodesRequest struct {
	Codes []string `json:"codes" validate:"max=1000,dive,required,max=255"`
}

// AssignRoleRequest grants a role to a principal.
type AssignRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

// DataRuleRequest creates a data-scope rule.
type DataRuleRequest struct {
	UserID    *string         `json:"user_id" validate:"omitempty,uuid"`
	RoleCode  *string         `json:"role_code" validate:"omitempty,max=64"`
	Module    string          `json:"module" validate:"required,max=64"`
	Resource  string          `json:"resource" validate:"required,max=64"`
	Condition json.RawMessage `json:"condition" validate:"required"`
	Priority  int             `json:"priority"`
}

func callerOrUnauthorized(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
	}
	return claims
}

// MyPermissions returns the caller's current roles and permission codes.
// @Router /rbac/me [get]
func (h *RBACHandler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	claims := callerOrUnauthorized(w, r)
	if claims == nil {
		return
	}
	set, err := h.service.GetEffectivePermissions(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	roles, err := h.service.GetRoles(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, PermissionsResponse{
		UserID:      claims.UserID,
		Roles:       roles,
		IsAdmin:     set.All(),
		Permissions: set.ClaimCodes(),
	})
}

// Check answers a permission question for the caller. Consuming backends
// forward the principal's token here instead of trusting the snapshot in it.
// @Router /rbac/check [post]
func (h *RBACHandler) Check(w http.ResponseWriter, r *http.Request) {
	claims := callerOrUnauthorized(w, r)
	if claims == nil {
		return
	}
	var req CheckRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	set, err := h.service.GetEffectivePermissions(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := CheckResponse{Allowed: true}
	if len(req.Permissions) > 0 {
		if req.Mode == "any" {
			if !set.HasAny(req.Permissions...) {
				resp.Allowed = false
				resp.Missing = req.Permissions
			}
		} else if missing := set.Missing(req.Permissions...); len(missing) > 0 {
			resp.Allowed = false
			resp.Missing = missing
		}
	}
	if req.Module != "" && !set.HasModule(req.Module) {
		resp.Allowed = false
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// DataFilter returns the caller's row filter for module and resource.
// @Router /rbac/data-filter [get]
func (h *RBACHandler) DataFilter(w http.ResponseWriter, r *http.Request) {
	claims := callerOrUnauthorized(w, r)
	if claims == nil {
		return
	}
	module, resource := r.URL.Query().Get("module"), r.URL.Query().Get("resource")
	if module == "" || resource == "" {
		pkghttp.WriteValidationFailed(w, "module and resource are required", "module")
		return
	}

	filter, err := h.service.GetDataFilter(r.Context(), claims.UserID, module, resource)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, DataFilterResponse{
		Module:       module,
		Resource:     resource,
		Unrestricted: filter == nil,
		Filter:       filter,
	})
}

// Menus returns the navigation the caller may see.
// @Router /rbac/menus [get]
func (h *RBACHandler) Menus(w http.ResponseWriter, r *http.Request) {
	claims := callerOrUnauthorized(w, r)
	if claims == nil {
		return
	}
	menus, err := h.service.GetMenus(r.Context(), claims.UserID, r.URL.Query().Get("module"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if menus == nil {
		menus = []*models.MenuPermission{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, menus)
}

// ClearCache drops cached permissions, for one principal when user_id is
// given and for everyone otherwise.
// @Router /rbac/cache/clear [post]
func (h *RBACHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearCache(r.Context(), r.URL.Query().Get("user_id"))
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "cache cleared"})
}

// --- roles ---

// ListRoles lists roles; include_inactive=true adds inactive ones.
// @Router /rbac/roles [get]
func (h *RBACHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	inactive, err := boolParam(r, "include_inactive")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	roles, err := h.service.ListRoles(r.Context(), inactive != nil && *inactive)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, roles)
}

// @Router /rbac/roles/{code} [get]
func (h *RBACHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, codes, err := h.service.GetRole(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RoleDetailResponse{Role: role, Permissions: codes})
}

// @Router /rbac/roles [post]
func (h *RBACHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	active := req.IsActive == nil || *req.IsActive
	role, err := h.service.CreateRole(r.Context(), auth.GetUserFromContext(r), &models.Role{
		Code:     req.Code,
		Name:     req.Name,
		Level:    req.Level,
		Module:   req.Module,
		IsActive: active,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, role)
}

// UpdateRole replaces a role's attributes. The path code wins over the body.
// @Router /rbac/roles/{code} [put]
func (h *RBACHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	active := req.IsActive == nil || *req.IsActive
	role, err := h.service.UpdateRole(r.Context(), auth.GetUserFromContext(r), &models.Role{
		Code:     chi.URLParam(r, "code"),
		Name:     req.Name,
		Level:    req.Level,
		Module:   req.Module,
		IsActive: active,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, role)
}

// @Router /rbac/roles/{code} [delete]
func (h *RBACHandler) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateRole(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "code")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Router /rbac/roles/{code}/permissions [put]
func (h *RBACHandler) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req CodesRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "code"), req.Codes); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Router /rbac/roles/{code}/menus [put]
func (h *RBACHandler) SetRoleMenus(w http.ResponseWriter, r *http.Request) {
	var req CodesRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.SetRoleMenus(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "code"), req.Codes); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- permissions ---

// @Router /rbac/permissions [get]
func (h *RBACHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, perms)
}

// @Router /rbac/permissions [post]
func (h *RBACHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	p, err := h.service.CreatePermission(r.Context(), auth.GetUserFromContext(r), req.Code, req.Category, req.Description)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, p)
}

// --- assignments ---

// UserRoles lists another principal's active roles.
// @Router /rbac/users/{id}/roles [get]
func (h *RBACHandler) UserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.GetRoles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string][]string{"roles": roles})
}

// @Router /rbac/users/{id}/roles [post]
func (h *RBACHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req AssignRoleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.AssignRole(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), req.Role); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Router /rbac/users/{id}/roles/{role} [delete]
func (h *RBACHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveRole(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id"), chi.URLParam(r, "role")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- data rules ---

// @Router /rbac/data-rules [get]
func (h *RBACHandler) ListDataRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListDataRules(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, rules)
}

// @Router /rbac/data-rules [post]
func (h *RBACHandler) CreateDataRule(w http.ResponseWriter, r *http.Request) {
	var req DataRuleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	rule := &models.DataPermissionRule{
		UserID:    req.UserID,
		RoleCode:  req.RoleCode,
		Module:    req.Module,
		Resource:  req.Resource,
		Condition: req.Condition,
		Priority:  req.Priority,
	}
	if err := h.service.CreateDataRule(r.Context(), auth.GetUserFromContext(r), rule); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, rule)
}

// @Router /rbac/data-rules/{id} [delete]
func (h *RBACHandler) DeleteDataRule(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteDataRule(r.Context(), auth.GetUserFromContext(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
