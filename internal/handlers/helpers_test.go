package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/rbac"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRequest creates an HTTP request with JSON body for testing
func newTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withAuthContext adds verified claims to the request context
func withAuthContext(req *http.Request, userID string) *http.Request {
	claims := &auth.Claims{UserID: userID, Username: "user-" + userID, Type: auth.TokenTypeAccess}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// withChiRouteContext adds chi URL parameters to request context
func withChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// assertJSONResponse checks that response has correct status and decodes JSON body
func assertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if target != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// assertErrorResponse checks that response is a valid error response
func assertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc             func(ctx context.Context, username, password string) (*services.LoginResult, error)
	CompleteTwoFactorFunc func(ctx context.Context, challenge, code, backup string) (*services.LoginResult, error)
	ChangePasswordFunc    func(ctx context.Context, userID, current, next string) error
	IssueSSOTokenFunc     func(ctx context.Context, caller *auth.Claims) (string, error)
	ExchangeSSOTokenFunc  func(ctx context.Context, token string) (*services.LoginResult, error)
	MeFunc                func(ctx context.Context, userID string) (*services.UserResponse, error)

	LoggedOutToken string
}

func (m *MockAuthService) Login(ctx context.Context, username, password string) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrAuthenticationFailed
	}
	return m.LoginFunc(ctx, username, password)
}

func (m *MockAuthService) CompleteTwoFactor(ctx context.Context, challenge, code, backup string) (*services.LoginResult, error) {
	if m.CompleteTwoFactorFunc == nil {
		return nil, models.ErrAuthenticationFailed
	}
	return m.CompleteTwoFactorFunc(ctx, challenge, code, backup)
}

func (m *MockAuthService) Logout(ctx context.Context, claims *auth.Claims, token string) {
	m.LoggedOutToken = token
}

func (m *MockAuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, userID, current, next)
}

func (m *MockAuthService) IssueSSOToken(ctx context.Context, caller *auth.Claims) (string, error) {
	if m.IssueSSOTokenFunc == nil {
		return "", models.ErrAuthenticationFailed
	}
	return m.IssueSSOTokenFunc(ctx, caller)
}

func (m *MockAuthService) ExchangeSSOToken(ctx context.Context, token string) (*services.LoginResult, error) {
	if m.ExchangeSSOTokenFunc == nil {
		return nil, models.ErrAuthenticationFailed
	}
	return m.ExchangeSSOTokenFunc(ctx, token)
}

func (m *MockAuthService) Me(ctx context.Context, userID string) (*services.UserResponse, error) {
	if m.MeFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.MeFunc(ctx, userID)
}

// MockTwoFactorService implements TwoFactorServiceInterface and
// Reauthenticator for testing
type MockTwoFactorService struct {
	SetupFunc           func(ctx context.Context, userID string) (*models.TwoFactorSetup, error)
	VerifyAndEnableFunc func(ctx context.Context, userID, code string) (bool, error)
	DisableFunc         func(ctx context.Context, userID string, proof *services.ReauthProof) error
	RegenerateFunc      func(ctx context.Context, userID string) ([]string, error)
	StatusFunc          func(ctx context.Context, userID string) (*models.TwoFactorStatus, error)
	ReauthFunc          func(ctx context.Context, userID, password string) (*services.ReauthProof, error)
}

func (m *MockTwoFactorService) Setup(ctx context.Context, userID string) (*models.TwoFactorSetup, error) {
	return m.SetupFunc(ctx, userID)
}

func (m *MockTwoFactorService) VerifyAndEnable(ctx context.Context, userID, code string) (bool, error) {
	return m.VerifyAndEnableFunc(ctx, userID, code)
}

func (m *MockTwoFactorService) Disable(ctx context.Context, userID string, proof *services.ReauthProof) error {
	return m.DisableFunc(ctx, userID, proof)
}

func (m *MockTwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	return m.RegenerateFunc(ctx, userID)
}

func (m *MockTwoFactorService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	return m.StatusFunc(ctx, userID)
}

func (m *MockTwoFactorService) Reauthenticate(ctx context.Context, userID, password string) (*services.ReauthProof, error) {
	if m.ReauthFunc == nil {
		return nil, models.ErrAuthenticationFailed
	}
	return m.ReauthFunc(ctx, userID, password)
}

// MockRegistrationService implements RegistrationServiceInterface for testing
type MockRegistrationService struct {
	SubmitFunc  func(ctx context.Context, in services.RegistrationInput) (*models.RegistrationRequest, error)
	ListFunc    func(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error)
	GetFunc     func(ctx context.Context, id string) (*models.RegistrationRequest, error)
	ApproveFunc func(ctx context.Context, actor *auth.Claims, id, role string) (*models.User, error)
	RejectFunc  func(ctx context.Context, actor *auth.Claims, id, reason string) (*models.RegistrationRequest, error)
}

func (m *MockRegistrationService) Submit(ctx context.Context, in services.RegistrationInput) (*models.RegistrationRequest, error) {
	return m.SubmitFunc(ctx, in)
}

func (m *MockRegistrationService) List(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error) {
	return m.ListFunc(ctx, status, page, size)
}

func (m *MockRegistrationService) Get(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	return m.GetFunc(ctx, id)
}

func (m *MockRegistrationService) Approve(ctx context.Context, actor *auth.Claims, id, role string) (*models.User, error) {
	return m.ApproveFunc(ctx, actor, id, role)
}

func (m *MockRegistrationService) Reject(ctx context.Context, actor *auth.Claims, id, reason string) (*models.RegistrationRequest, error) {
	return m.RejectFunc(ctx, actor, id, reason)
}

// MockAuditService implements AuditServiceInterface for testing
type MockAuditService struct {
	QueryFunc          func(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error)
	SecurityEventsFunc func(ctx context.Context, window time.Duration, page, size int) (*models.Page[*models.AuditLog], error)
	LoginHistoryFunc   func(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error)
	Status             audit.BackupStatus
	Report             audit.RecoveryReport
	RecoveredBy        *auth.Claims
}

func (m *MockAuditService) Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error) {
	return m.QueryFunc(ctx, q)
}

func (m *MockAuditService) SecurityEvents(ctx context.Context, window time.Duration, page, size int) (*models.Page[*models.AuditLog], error) {
	return m.SecurityEventsFunc(ctx, window, page, size)
}

func (m *MockAuditService) LoginHistory(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error) {
	return m.LoginHistoryFunc(ctx, userID, page, size)
}

func (m *MockAuditService) BackupStatus() (audit.BackupStatus, error) {
	return m.Status, nil
}

func (m *MockAuditService) RecoverBackup(ctx context.Context, actor *auth.Claims) audit.RecoveryReport {
	m.RecoveredBy = actor
	return m.Report
}

// MockUserService implements UserService for testing
type MockUserService struct {
	GetUserByIDFunc func(ctx context.Context, id string) (*models.User, error)
	ListUsersFunc   func(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error)
	SetActiveFunc   func(ctx context.Context, actor *auth.Claims, id string, active bool) error
	UnlockFunc      func(ctx context.Context, actor *auth.Claims, id string) error
	SetRoleFunc     func(ctx context.Context, actor *auth.Claims, id, role string) error
}

func (m *MockUserService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetUserByIDFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetUserByIDFunc(ctx, id)
}

func (m *MockUserService) ListUsers(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error) {
	if m.ListUsersFunc == nil {
		return &models.Page[*models.User]{Items: []*models.User{}}, nil
	}
	return m.ListUsersFunc(ctx, filter)
}

func (m *MockUserService) SetActive(ctx context.Context, actor *auth.Claims, id string, active bool) error {
	if m.SetActiveFunc == nil {
		return nil
	}
	return m.SetActiveFunc(ctx, actor, id, active)
}

func (m *MockUserService) Unlock(ctx context.Context, actor *auth.Claims, id string) error {
	if m.UnlockFunc == nil {
		return nil
	}
	return m.UnlockFunc(ctx, actor, id)
}

func (m *MockUserService) SetLegacyRole(ctx context.Context, actor *auth.Claims, id, role string) error {
	if m.SetRoleFunc == nil {
		return nil
	}
	return m.SetRoleFunc(ctx, actor, id, role)
}

// stubRBAC is a fixed-answer RBACServiceInterface. Admin calls record
// their arguments.
type stubRBAC struct {
	perms   rbac.PermissionSet
	roles   []string
	filter  rbac.Filter
	menus   []*models.MenuPermission
	err     error
	cleared []string

	assigned   [2]string
	savedRule  *models.DataPermissionRule
	savedCodes []string
}

func (s *stubRBAC) GetEffectivePermissions(ctx context.Context, userID string) (rbac.PermissionSet, error) {
	return s.perms, s.err
}

func (s *stubRBAC) GetRoles(ctx context.Context, userID string) ([]string, error) {
	return s.roles, s.err
}

func (s *stubRBAC) GetDataFilter(ctx context.Context, userID, module, resource string) (rbac.Filter, error) {
	return s.filter, s.err
}

func (s *stubRBAC) GetMenus(ctx context.Context, userID, module string) ([]*models.MenuPermission, error) {
	return s.menus, s.err
}

func (s *stubRBAC) ClearCache(ctx context.Context, userID string) {
	s.cleared = append(s.cleared, userID)
}

func (s *stubRBAC) ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	return []*models.Role{{Code: "auditor", Name: "Auditor", IsActive: true}}, s.err
}

func (s *stubRBAC) GetRole(ctx context.Context, code string) (*models.Role, []string, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return &models.Role{Code: code, Name: code, IsActive: true}, []string{"system:audit:read"}, nil
}

func (s *stubRBAC) CreateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error) {
	return role, s.err
}

func (s *stubRBAC) UpdateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error) {
	return role, s.err
}

func (s *stubRBAC) DeactivateRole(ctx context.Context, actor *auth.Claims, code string) error {
	return s.err
}

func (s *stubRBAC) ListPermissions(ctx context.Context, module string) ([]*models.Permission, error) {
	return []*models.Permission{}, s.err
}

func (s *stubRBAC) CreatePermission(ctx context.Context, actor *auth.Claims, code, category, description string) (*models.Permission, error) {
	if s.err != nil {
		return nil, s.err
	}
	return models.NewPermission(code, category, description)
}

func (s *stubRBAC) SetRolePermissions(ctx context.Context, actor *auth.Claims, role string, codes []string) error {
	s.savedCodes = codes
	return s.err
}

func (s *stubRBAC) SetRoleMenus(ctx context.Context, actor *auth.Claims, role string, codes []string) error {
	s.savedCodes = codes
	return s.err
}

func (s *stubRBAC) AssignRole(ctx context.Context, actor *auth.Claims, userID, role string) error {
	s.assigned = [2]string{userID, role}
	return s.err
}

func (s *stubRBAC) RemoveRole(ctx context.Context, actor *auth.Claims, userID, role string) error {
	return s.err
}

func (s *stubRBAC) ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error) {
	return []*models.DataPermissionRule{}, s.err
}

func (s *stubRBAC) CreateDataRule(ctx context.Context, actor *auth.Claims, rule *models.DataPermissionRule) error {
	s.savedRule = rule
	if s.err != nil {
		return s.err
	}
	return rule.Validate()
}

func (s *stubRBAC) DeleteDataRule(ctx context.Context, actor *auth.Claims, id string) error {
	return s.err
}
