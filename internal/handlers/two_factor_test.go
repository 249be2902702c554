package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestTwoFactorSetup(t *testing.T) {
	mock := &MockTwoFactorService{
		SetupFunc: func(ctx context.Context, userID string) (*models.TwoFactorSetup, error) {
			return &models.TwoFactorSetup{Secret: "JBSWY3DPEHPK3PXP", BackupCodes: []string{"AAAA-BBBB"}}, nil
		},
	}
	handler := handlers.NewTwoFactorHandler(mock, mock, discardLogger())

	w := httptest.NewRecorder()
	handler.Setup(w, withAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/2fa/setup", nil), "u-1"))
	var setup models.TwoFactorSetup
	assertJSONResponse(t, w, http.StatusOK, &setup)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", setup.Secret)

	// Already enabled.
	mock.SetupFunc = func(ctx context.Context, userID string) (*models.TwoFactorSetup, error) {
		return nil, models.ErrTwoFactorEnabled
	}
	w = httptest.NewRecorder()
	handler.Setup(w, withAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/2fa/setup", nil), "u-1"))
	assertErrorResponse(t, w, http.StatusConflict, pkghttp.CodeConflict)

	w = httptest.NewRecorder()
	handler.Setup(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/2fa/setup", nil))
	assertErrorResponse(t, w, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed)
}

func TestTwoFactorEnable(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		err    error
		status int
		code   string
	}{
		{"valid code", true, nil, http.StatusOK, ""},
		{"wrong code", false, nil, http.StatusBadRequest, pkghttp.CodeValidationFailed},
		{"no pending enrollment", false, models.ErrTwoFactorNotEnrolled, http.StatusConflict, pkghttp.CodeConflict},
		{"attempts exhausted", false, models.ErrTooManyAttempts, http.StatusTooManyRequests, pkghttp.CodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockTwoFactorService{
				VerifyAndEnableFunc: func(ctx context.Context, userID, code string) (bool, error) {
					assert.Equal(t, "123456", code)
					return tt.ok, tt.err
				},
			}
			req := withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/enable", handlers.TwoFactorCodeRequest{Code: "123456"}), "u-1")
			w := httptest.NewRecorder()
			handlers.NewTwoFactorHandler(mock, mock, discardLogger()).Enable(w, req)

			if tt.status == http.StatusOK {
				assertJSONResponse(t, w, http.StatusOK, nil)
				return
			}
			assertErrorResponse(t, w, tt.status, tt.code)
		})
	}
}

func TestTwoFactorDisable_RequiresPassword(t *testing.T) {
	disabled := false
	mock := &MockTwoFactorService{
		ReauthFunc: func(ctx context.Context, userID, password string) (*services.ReauthProof, error) {
			if password != "right" {
				return nil, models.ErrAuthenticationFailed
			}
			return &services.ReauthProof{}, nil
		},
		DisableFunc: func(ctx context.Context, userID string, proof *services.ReauthProof) error {
			assert.NotNil(t, proof)
			disabled = true
			return nil
		},
	}
	handler := handlers.NewTwoFactorHandler(mock, mock, discardLogger())

	w := httptest.NewRecorder()
	handler.Disable(w, withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/disable", handlers.PasswordConfirmRequest{Password: "wrong"}), "u-1"))
	assertErrorResponse(t, w, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed)
	assert.False(t, disabled)

	w = httptest.NewRecorder()
	handler.Disable(w, withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/disable", handlers.PasswordConfirmRequest{Password: "right"}), "u-1"))
	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.True(t, disabled)
}

func TestTwoFactorRegenerateBackupCodes(t *testing.T) {
	mock := &MockTwoFactorService{
		ReauthFunc: func(ctx context.Context, userID, password string) (*services.ReauthProof, error) {
			return &services.ReauthProof{}, nil
		},
		RegenerateFunc: func(ctx context.Context, userID string) ([]string, error) {
			return []string{"AAAA-BBBB", "CCCC-DDDD"}, nil
		},
	}
	req := withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/backup-codes", handlers.PasswordConfirmRequest{Password: "pw"}), "u-1")
	w := httptest.NewRecorder()
	handlers.NewTwoFactorHandler(mock, mock, discardLogger()).RegenerateBackupCodes(w, req)

	var resp handlers.BackupCodesResponse
	assertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Len(t, resp.BackupCodes, 2)
}

func TestTwoFactorStatus(t *testing.T) {
	mock := &MockTwoFactorService{
		StatusFunc: func(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
			return &models.TwoFactorStatus{Enabled: true, BackupCodesRemaining: 7}, nil
		},
	}
	w := httptest.NewRecorder()
	handlers.NewTwoFactorHandler(mock, mock, discardLogger()).Status(w, withAuthContext(httptest.NewRequest(http.MethodGet, "/api/v1/auth/2fa", nil), "u-1"))

	var resp models.TwoFactorStatus
	assertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.Enabled)
	assert.Equal(t, 7, resp.BackupCodesRemaining)
}
