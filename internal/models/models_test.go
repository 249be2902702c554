package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermissionCode(t *testing.T) {
	module, resource, action, err := ParsePermissionCode("hr:employee:read")
	require.NoError(t, err)
	assert.Equal(t, "hr", module)
	assert.Equal(t, "employee", resource)
	assert.Equal(t, "read", action)

	for _, bad := range []string{"", "hr", "hr:employee", "hr::read", "a:b:c:d", " hr:employee:read"} {
		_, _, _, err := ParsePermissionCode(bad)
		assert.ErrorIs(t, err, ErrValidationFailed, bad)
	}
}

func TestDataPermissionRule_Validate(t *testing.T) {
	user := "u1"
	role := "hr_viewer"
	cond := []byte(`{"department_id":[{"literal":3}]}`)

	valid := &DataPermissionRule{RoleCode: &role, Module: "hr", Resource: "employee", Condition: cond}
	assert.NoError(t, valid.Validate())

	both := &DataPermissionRule{UserID: &user, RoleCode: &role, Module: "hr", Resource: "employee", Condition: cond}
	assert.ErrorIs(t, both.Validate(), ErrValidationFailed)

	neither := &DataPermissionRule{Module: "hr", Resource: "employee", Condition: cond}
	assert.ErrorIs(t, neither.Validate(), ErrValidationFailed)
}

func TestUser_LockState(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	u := &User{LockedUntil: &until}

	assert.True(t, u.IsLocked(now))
	assert.False(t, u.LockElapsed(now))
	assert.False(t, u.IsLocked(until))
	assert.True(t, u.LockElapsed(until))

	assert.False(t, (&User{}).IsLocked(now))
}

func TestLoginFailure_Unwrap(t *testing.T) {
	f := &LoginFailure{Err: ErrAuthenticationFailed, Remaining: 2, Disclose: true}
	assert.True(t, errors.Is(f, ErrAuthenticationFailed))
	assert.Contains(t, f.Error(), "2 attempt(s) remaining")

	locked := &LoginFailure{Err: ErrAccountLocked, Locked: true}
	assert.True(t, errors.Is(locked, ErrAccountLocked))
	assert.NotContains(t, locked.Error(), "remaining")
}

func TestTwoFactorEnrollment_State(t *testing.T) {
	var nilEnrollment *TwoFactorEnrollment
	assert.Equal(t, TwoFactorNotEnrolled, nilEnrollment.State())

	pending := &TwoFactorEnrollment{SecretEncrypted: []byte{1}}
	assert.Equal(t, TwoFactorPending, pending.State())

	enabled := &TwoFactorEnrollment{SecretEncrypted: []byte{1}, Enabled: true}
	assert.Equal(t, TwoFactorEnabled, enabled.State())

	now := time.Now()
	disabled := &TwoFactorEnrollment{DisabledAt: &now}
	assert.Equal(t, TwoFactorDisabled, disabled.State())
}

func TestNormalize(t *testing.T) {
	page, size := Normalize(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, DefaultPageSize, size)

	_, size = Normalize(3, 1000)
	assert.Equal(t, MaxPageSize, size)
	assert.Equal(t, 200, Offset(3, 100))
}
