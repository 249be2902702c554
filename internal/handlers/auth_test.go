package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthHandler(svc *MockAuthService) *handlers.AuthHandler {
	return handlers.NewAuthHandler(svc, auth.CookieConfig{Secure: true}, time.Hour, discardLogger())
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLogin_Success(t *testing.T) {
	mockAuth := &MockAuthService{
		LoginFunc: func(ctx context.Context, username, password string) (*services.LoginResult, error) {
			assert.Equal(t, "ada", username)
			assert.Equal(t, "Correct-Horse-7", password)
			return &services.LoginResult{
				AccessToken: "access_token_123",
				Permissions: []string{"hr:employee:read"},
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newAuthHandler(mockAuth).Login(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/login", handlers.LoginRequest{
		Username: "ada",
		Password: "Correct-Horse-7",
	}))

	var resp services.LoginResult
	assertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "access_token_123", resp.AccessToken)
	assert.False(t, resp.RequiresTwoFactor)

	cookie := findCookie(w, auth.AccessTokenCookie)
	require.NotNil(t, cookie)
	assert.Equal(t, "access_token_123", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, 3600, cookie.MaxAge)
}

func TestLogin_TwoFactorChallengeSetsNoCookie(t *testing.T) {
	mockAuth := &MockAuthService{
		LoginFunc: func(ctx context.Context, username, password string) (*services.LoginResult, error) {
			return &services.LoginResult{RequiresTwoFactor: true, ChallengeToken: "challenge"}, nil
		},
	}

	w := httptest.NewRecorder()
	newAuthHandler(mockAuth).Login(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/login", handlers.LoginRequest{
		Username: "ada", Password: "pw",
	}))

	var resp services.LoginResult
	assertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.RequiresTwoFactor)
	assert.Empty(t, resp.AccessToken)
	assert.Nil(t, findCookie(w, auth.AccessTokenCookie))
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		details string
	}{
		{"generic failure", models.ErrAuthenticationFailed, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed, ""},
		{"failure with remaining attempts", &models.LoginFailure{Err: models.ErrAuthenticationFailed, Remaining: 2, Disclose: true},
			http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed, "2 attempt(s) remaining"},
		{"remaining attempts withheld", &models.LoginFailure{Err: models.ErrAuthenticationFailed, Remaining: 4},
			http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed, ""},
		{"locked", &models.LoginFailure{Err: models.ErrAccountLocked, Locked: true}, http.StatusLocked, pkghttp.CodeAccountLocked, ""},
		{"disabled", models.ErrAccountDisabled, http.StatusForbidden, pkghttp.CodeAccountDisabled, ""},
		{"store down", models.ErrPersistenceFailed, http.StatusServiceUnavailable, pkghttp.CodeUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAuth := &MockAuthService{
				LoginFunc: func(ctx context.Context, username, password string) (*services.LoginResult, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			newAuthHandler(mockAuth).Login(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/login", handlers.LoginRequest{
				Username: "ada", Password: "wrong",
			}))

			resp := assertErrorResponse(t, w, tt.status, tt.code)
			assert.Equal(t, tt.details, resp.Details)
			assert.Nil(t, findCookie(w, auth.AccessTokenCookie))
		})
	}
}

func TestLogin_ValidationErrors(t *testing.T) {
	handler := newAuthHandler(&MockAuthService{})

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing password", map[string]string{"username": "ada"}, "password"},
		{"missing username", map[string]string{"password": "pw"}, "username"},
		{"unknown field", map[string]string{"username": "ada", "password": "pw", "role": "admin"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Login(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/login", tt.body))
			resp := assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)
			assert.Equal(t, tt.field, resp.Details)
		})
	}
}

func TestCompleteTwoFactor(t *testing.T) {
	var gotCode, gotBackup string
	mockAuth := &MockAuthService{
		CompleteTwoFactorFunc: func(ctx context.Context, challenge, code, backup string) (*services.LoginResult, error) {
			gotCode, gotBackup = code, backup
			return &services.LoginResult{AccessToken: "tok"}, nil
		},
	}
	handler := newAuthHandler(mockAuth)

	w := httptest.NewRecorder()
	handler.CompleteTwoFactor(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/complete", handlers.CompleteTwoFactorRequest{
		ChallengeToken: "challenge", BackupCode: "ABCD-EFGH",
	}))
	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "", gotCode)
	assert.Equal(t, "ABCD-EFGH", gotBackup)
	assert.NotNil(t, findCookie(w, auth.AccessTokenCookie))

	// Neither a code nor a backup code.
	w = httptest.NewRecorder()
	handler.CompleteTwoFactor(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/complete", handlers.CompleteTwoFactorRequest{
		ChallengeToken: "challenge",
	}))
	assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)
}

func TestLogout_ClearsCookie(t *testing.T) {
	mockAuth := &MockAuthService{}
	req := newTestRequest(t, http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: "session-token"})
	req = withAuthContext(req, "u-1")

	w := httptest.NewRecorder()
	newAuthHandler(mockAuth).Logout(w, req)

	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "session-token", mockAuth.LoggedOutToken)
	cookie := findCookie(w, auth.AccessTokenCookie)
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestMe(t *testing.T) {
	mockAuth := &MockAuthService{
		MeFunc: func(ctx context.Context, userID string) (*services.UserResponse, error) {
			return &services.UserResponse{ID: userID, Username: "ada"}, nil
		},
	}
	handler := newAuthHandler(mockAuth)

	w := httptest.NewRecorder()
	handler.Me(w, withAuthContext(httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil), "u-1"))
	var resp services.UserResponse
	assertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "u-1", resp.ID)

	w = httptest.NewRecorder()
	handler.Me(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assertErrorResponse(t, w, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed)
}

func TestChangePassword_MapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"success", nil, http.StatusOK, ""},
		{"wrong current password", models.ErrAuthenticationFailed, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed},
		{"policy violation", models.NewValidationError("new_password", "too short"), http.StatusBadRequest, pkghttp.CodeValidationFailed},
		{"reused password", models.ErrPasswordReused, http.StatusBadRequest, pkghttp.CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAuth := &MockAuthService{
				ChangePasswordFunc: func(ctx context.Context, userID, current, next string) error {
					assert.Equal(t, "u-1", userID)
					return tt.err
				},
			}
			req := withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/password", handlers.ChangePasswordRequest{
				CurrentPassword: "old", NewPassword: "New-Password-9",
			}), "u-1")
			w := httptest.NewRecorder()
			newAuthHandler(mockAuth).ChangePassword(w, req)

			if tt.err == nil {
				assertJSONResponse(t, w, http.StatusOK, nil)
				return
			}
			assertErrorResponse(t, w, tt.status, tt.code)
		})
	}
}

func TestSSO_IssueAndExchange(t *testing.T) {
	mockAuth := &MockAuthService{
		IssueSSOTokenFunc: func(ctx context.Context, caller *auth.Claims) (string, error) {
			return "sso-" + caller.UserID, nil
		},
		ExchangeSSOTokenFunc: func(ctx context.Context, token string) (*services.LoginResult, error) {
			if token != "sso-u-1" {
				return nil, models.ErrAuthenticationFailed
			}
			return &services.LoginResult{AccessToken: "fresh"}, nil
		},
	}
	handler := newAuthHandler(mockAuth)

	w := httptest.NewRecorder()
	handler.IssueSSO(w, withAuthContext(newTestRequest(t, http.MethodPost, "/api/v1/auth/sso", nil), "u-1"))
	var issued handlers.SSOTokenResponse
	assertJSONResponse(t, w, http.StatusOK, &issued)
	assert.Equal(t, "sso-u-1", issued.Token)
	assert.Equal(t, 60, issued.ExpiresIn)

	w = httptest.NewRecorder()
	handler.ExchangeSSO(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/sso/exchange", handlers.SSOExchangeRequest{Token: issued.Token}))
	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "fresh", findCookie(w, auth.AccessTokenCookie).Value)

	w = httptest.NewRecorder()
	handler.ExchangeSSO(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/sso/exchange", handlers.SSOExchangeRequest{Token: "forged"}))
	assertErrorResponse(t, w, http.StatusUnauthorized, pkghttp.CodeAuthenticationFailed)
}
