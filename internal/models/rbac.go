package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role groups permissions. Higher Level means more privileged; a nil Module
// marks a global role.
type Role struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Module    *string   `json:"module,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission codes have the form <module>:<resource>:<action>.
type Permission struct {
	Code        string    `json:"code"`
	Module      string    `json:"module"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParsePermissionCode splits a permission code into its parts.
func ParsePermissionCode(code string) (module, resource, action string, err error) {
	parts := strings.Split(code, ":")
	if len(parts) != 3 {
		return "", "", "", NewValidationError("code", "permission code must be module:resource:action")
	}
	for _, p := range parts {
		if p == "" || strings.TrimSpace(p) != p {
			return "", "", "", NewValidationError("code", "permission code segments must be non-empty")
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// NewPermission builds a Permission whose module/resource/action are
// derived from code, so the code always determines them.
func NewPermission(code, category, description string) (*Permission, error) {
	module, resource, action, err := ParsePermissionCode(code)
	if err != nil {
		return nil, err
	}
	return &Permission{
		Code:        code,
		Module:      module,
		Resource:    resource,
		Action:      action,
		Category:    category,
		Description: description,
	}, nil
}

// DataPermissionRule restricts which rows of (Module, Resource) a user or
// role may see. Exactly one of UserID and RoleCode is set.
type DataPermissionRule struct {
	ID        string          `json:"id"`
	UserID    *string         `json:"user_id,omitempty"`
	RoleCode  *string         `json:"role_code,omitempty"`
	Module    string          `json:"module"`
	Resource  string          `json:"resource"`
	Condition json.RawMessage `json:"condition"`
	Priority  int             `json:"priority"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the user-or-role exclusivity and target fields.
func (r *DataPermissionRule) Validate() error {
	hasUser := r.UserID != nil && *r.UserID != ""
	hasRole := r.RoleCode != nil && *r.RoleCode != ""
	if hasUser == hasRole {
		return NewValidationError("scope", "rule must target exactly one of user_id or role_code")
	}
	if r.Module == "" || r.Resource == "" {
		return NewValidationError("target", "module and resource are required")
	}
	if len(r.Condition) == 0 {
		return NewValidationError("condition", "condition is required")
	}
	return nil
}

// MenuPermission is a navigation node granted through roles.
type MenuPermission struct {
	Code       string  `json:"code"`
	ParentCode *string `json:"parent_code,omitempty"`
	Module     string  `json:"module"`
	Name       string  `json:"name"`
	Path       string  `json:"path,omitempty"`
	Icon       string  `json:"icon,omitempty"`
	SortOrder  int     `json:"sort_order"`
}
