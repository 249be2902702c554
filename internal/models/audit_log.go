package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit action types. The set is closed; IsValidActionType guards it.
const (
	ActionLogin            = "login"
	ActionLoginFailed      = "login_failed"
	ActionLogout           = "logout"
	ActionCreate           = "create"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionApprove          = "approve"
	ActionReject           = "reject"
	ActionPasswordChange   = "password_change"
	ActionPasswordReset    = "password_reset"
	ActionPermissionChange = "permission_change"
	ActionUserCreate       = "user_create"
	ActionUserDelete       = "user_delete"
	ActionAccessDenied     = "access_denied"
	ActionTwoFactorEnable  = "2fa_enable"
	ActionTwoFactorDisable = "2fa_disable"
	ActionTwoFactorVerify  = "2fa_verify"
	ActionAccountLocked    = "account_locked"
	ActionAuditRecover     = "audit_recover"
)

var validActionTypes = map[string]bool{
	ActionLogin: true, ActionLoginFailed: true, ActionLogout: true,
	ActionCreate: true, ActionUpdate: true, ActionDelete: true,
	ActionApprove: true, ActionReject: true,
	ActionPasswordChange: true, ActionPasswordReset: true,
	ActionPermissionChange: true, ActionUserCreate: true, ActionUserDelete: true,
	ActionAccessDenied:    true,
	ActionTwoFactorEnable: true, ActionTwoFactorDisable: true, ActionTwoFactorVerify: true,
	ActionAccountLocked: true, ActionAuditRecover: true,
}

// IsValidActionType reports whether action is part of the audit taxonomy.
func IsValidActionType(action string) bool {
	return validActionTypes[action]
}

// SecurityActionTypes are the actions included in the security report.
var SecurityActionTypes = []string{
	ActionLoginFailed,
	ActionPasswordChange,
	ActionPasswordReset,
	ActionPermissionChange,
	ActionUserCreate,
	ActionUserDelete,
}

// Audit statuses
const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
	AuditStatusError   = "error"
)

// AuditLog is an immutable audit record.
type AuditLog struct {
	ID            uuid.UUID     `json:"id"`
	UserID        *string       `json:"user_id,omitempty"`
	Username      *string       `json:"username,omitempty"`
	ActionType    string        `json:"action_type"`
	ResourceType  *string       `json:"resource_type,omitempty"`
	ResourceID    *string       `json:"resource_id,omitempty"`
	Description   string        `json:"description"`
	IPAddress     string        `json:"ip_address,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
	DeviceType    string        `json:"device_type,omitempty"`
	Browser       string        `json:"browser,omitempty"`
	OS            string        `json:"os,omitempty"`
	RequestMethod string        `json:"request_method,omitempty"`
	RequestPath   string        `json:"request_path,omitempty"`
	RequestBody   AuditMetadata `json:"request_body,omitempty"`
	Status        string        `json:"status"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	Module        *string       `json:"module,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AuditQuery filters the audit read path.
type AuditQuery struct {
	UserID     string
	ActionType string
	Module     string
	Status     string
	From       *time.Time
	To         *time.Time
	Search     string
	Page       int
	PageSize   int
}

// AuditMetadata holds a sanitized JSON object (request body, extra context).
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrValidationFailed
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}(am))
}
