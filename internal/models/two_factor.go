package models

import (
	"time"
)

// TwoFactorState is the enrollment state of one principal.
type TwoFactorState string

const (
	TwoFactorNotEnrolled = TwoFactorState("not_enrolled")
	TwoFactorPending     = TwoFactorState("pending_verification")
	TwoFactorEnabled     = TwoFactorState("enabled")
	TwoFactorDisabled    = TwoFactorState("disabled")
)

// BackupCodeCount is the number of codes issued per generation.
const BackupCodeCount = 10

// TwoFactorEnrollment holds the encrypted TOTP secret for one principal.
type TwoFactorEnrollment struct {
	UserID          string
	SecretEncrypted []byte // AES-256-GCM ciphertext
	SecretNonce     []byte
	Enabled         bool
	Verified        bool
	EnrolledAt      *time.Time
	VerifiedAt      *time.Time
	LastUsedAt      *time.Time
	LastUsedStep    int64 // TOTP counter of the last accepted code
	DisabledAt      *time.Time
	RecoveryEmail   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// State derives the enrollment state. A nil enrollment is NotEnrolled.
func (e *TwoFactorEnrollment) State() TwoFactorState {
	switch {
	case e == nil:
		return TwoFactorNotEnrolled
	case e.Enabled:
		return TwoFactorEnabled
	case e.DisabledAt != nil && len(e.SecretEncrypted) == 0:
		return TwoFactorDisabled
	case len(e.SecretEncrypted) > 0:
		return TwoFactorPending
	default:
		return TwoFactorNotEnrolled
	}
}

// TwoFactorBackupCode is a hashed single-use backup code.
type TwoFactorBackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TwoFactorSetup is returned once from Setup; the plaintext values are
// never retrievable again.
type TwoFactorSetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"` // PNG data URL
	BackupCodes     []string `json:"backup_codes"`
}

// TwoFactorStatus summarises enrollment for display.
type TwoFactorStatus struct {
	State                TwoFactorState `json:"state"`
	Enabled              bool           `json:"enabled"`
	EnrolledAt           *time.Time     `json:"enrolled_at,omitempty"`
	LastUsedAt           *time.Time     `json:"last_used_at,omitempty"`
	BackupCodesRemaining int            `json:"backup_codes_remaining"`
}
