package models

import (
	"time"
)

// Principal kinds
const (
	UserTypeEmployee = "employee"
	UserTypeSupplier = "supplier"
)

// User is an authenticated principal. Users are never hard-deleted by the
// auth flows; IsActive and the lockout fields carry their state.
type User struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	FullName          string     `json:"full_name"`
	UserType          string     `json:"user_type"`
	Role              string     `json:"role"` // legacy single role code
	IsActive          bool       `json:"is_active"`
	FailedAttempts    int        `json:"failed_attempts"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`
	PasswordExpiresAt *time.Time `json:"password_expires_at,omitempty"`
	DepartmentID      *int64     `json:"department_id,omitempty"`
	DepartmentName    string     `json:"department_name,omitempty"`
	PositionID        *int64     `json:"position_id,omitempty"`
	PositionName      string     `json:"position_name,omitempty"`
	TeamID            *int64     `json:"team_id,omitempty"`
	TeamName          string     `json:"team_name,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsLocked reports whether the lock is still in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// LockElapsed reports whether the user carries a lock that has expired and
// should be cleared on this check.
func (u *User) LockElapsed(now time.Time) bool {
	return u.LockedUntil != nil && !now.Before(*u.LockedUntil)
}

// PasswordExpired reports whether the password expiry date has passed.
func (u *User) PasswordExpired(now time.Time) bool {
	return u.PasswordExpiresAt != nil && !now.Before(*u.PasswordExpiresAt)
}

// UserFilter narrows principal listings.
type UserFilter struct {
	Search   string
	Role     string
	Active   *bool
	Page     int
	PageSize int
}
