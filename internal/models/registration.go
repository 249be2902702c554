package models

import "time"

// Registration statuses. Approved and rejected are terminal.
const (
	RegistrationPending  = "pending"
	RegistrationApproved = "approved"
	RegistrationRejected = "rejected"
)

// RegistrationRequest is a self-service account application. PasswordHash
// is computed once at submission and consumed verbatim on approval.
type RegistrationRequest struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	FullName        string     `json:"full_name"`
	UserType        string     `json:"user_type"`
	RequestedRole   string     `json:"requested_role"`
	DepartmentID    *int64     `json:"department_id,omitempty"`
	PositionID      *int64     `json:"position_id,omitempty"`
	TeamID          *int64     `json:"team_id,omitempty"`
	Status          string     `json:"status"`
	ReviewedBy      *string    `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
