package models

import (
	"time"

	"github.com/google/uuid"
)

// Login mechanisms
const (
	LoginMechanismPassword  = "password"
	LoginMechanismSSO       = "sso"
	LoginMechanismTwoFactor = "2fa"
)

// LoginHistory is one login attempt. After insertion only IsCurrent,
// LogoutAt and SessionSeconds ever change.
type LoginHistory struct {
	ID             uuid.UUID  `json:"id"`
	UserID         *string    `json:"user_id,omitempty"`
	Username       string     `json:"username"`
	LoginAt        time.Time  `json:"login_at"`
	IPAddress      string     `json:"ip_address,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	DeviceType     string     `json:"device_type,omitempty"`
	Browser        string     `json:"browser,omitempty"`
	OS             string     `json:"os,omitempty"`
	Success        bool       `json:"success"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	Mechanism      string     `json:"mechanism"`
	TokenHash      *string    `json:"token_hash,omitempty"`
	IsCurrent      bool       `json:"is_current"`
	LogoutAt       *time.Time `json:"logout_at,omitempty"`
	SessionSeconds *int64     `json:"session_seconds,omitempty"`
}
