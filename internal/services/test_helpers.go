package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc                 func(ctx context.Context, id string) (*models.User, error)
	GetByUsernameFunc           func(ctx context.Context, username string) (*models.User, error)
	GetByEmailFunc              func(ctx context.Context, email string) (*models.User, error)
	ExistsByUsernameOrEmailFunc func(ctx context.Context, username, email string) (bool, error)
	CreateFunc                  func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateLoginStateFunc        func(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error
	IncrementFailedAttemptsFunc func(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, *time.Time, error)
	UpdatePasswordFunc          func(ctx context.Context, id, hash string, expiresAt *time.Time, keep int) error
	RecentPasswordHashesFunc    func(ctx context.Context, id string, n int) ([]string, error)
	SetActiveFunc               func(ctx context.Context, id string, active bool) error
	UpdateRoleFunc              func(ctx context.Context, id, role string) error
	ListFunc                    func(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	if m.ExistsByUsernameOrEmailFunc != nil {
		return m.ExistsByUsernameOrEmailFunc(ctx, username, email)
	}
	return false, nil
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) UpdateLoginState(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error {
	if m.UpdateLoginStateFunc != nil {
		return m.UpdateLoginStateFunc(ctx, id, failedAttempts, lockedUntil)
	}
	return nil
}

func (m *MockUserRepository) IncrementFailedAttempts(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, *time.Time, error) {
	if m.IncrementFailedAttemptsFunc != nil {
		return m.IncrementFailedAttemptsFunc(ctx, id, maxAttempts, lockFor)
	}
	return 1, nil, nil
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, hash string, expiresAt *time.Time, keep int) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, hash, expiresAt, keep)
	}
	return nil
}

func (m *MockUserRepository) RecentPasswordHashes(ctx context.Context, id string, n int) ([]string, error) {
	if m.RecentPasswordHashesFunc != nil {
		return m.RecentPasswordHashesFunc(ctx, id, n)
	}
	return nil, nil
}

func (m *MockUserRepository) SetActive(ctx context.Context, id string, active bool) error {
	if m.SetActiveFunc != nil {
		return m.SetActiveFunc(ctx, id, active)
	}
	return nil
}

func (m *MockUserRepository) UpdateRole(ctx context.Context, id, role string) error {
	if m.UpdateRoleFunc != nil {
		return m.UpdateRoleFunc(ctx, id, role)
	}
	return nil
}

func (m *MockUserRepository) List(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return &models.Page[*models.User]{Items: []*models.User{}, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// MockRegistrationRepository implements RegistrationRepository for testing
type MockRegistrationRepository struct {
	CreateFunc        func(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error)
	ExistsPendingFunc func(ctx context.Context, username, email string) (bool, error)
	GetByIDFunc       func(ctx context.Context, id string) (*models.RegistrationRequest, error)
	ListFunc          func(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error)
	ApproveFunc       func(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error)
	RejectFunc        func(ctx context.Context, id, reviewerID, reason string) (*models.RegistrationRequest, error)
}

func (m *MockRegistrationRepository) Create(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	req.ID = "reg_123"
	req.Status = models.RegistrationPending
	return req, nil
}

func (m *MockRegistrationRepository) ExistsPending(ctx context.Context, username, email string) (bool, error) {
	if m.ExistsPendingFunc != nil {
		return m.ExistsPendingFunc(ctx, username, email)
	}
	return false, nil
}

func (m *MockRegistrationRepository) GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockRegistrationRepository) List(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, status, page, size)
	}
	return &models.Page[*models.RegistrationRequest]{Items: []*models.RegistrationRequest{}, Page: page, PageSize: size}, nil
}

func (m *MockRegistrationRepository) Approve(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
	if m.ApproveFunc != nil {
		return m.ApproveFunc(ctx, id, reviewerID, build)
	}
	return nil, nil, models.ErrNotFound
}

func (m *MockRegistrationRepository) Reject(ctx context.Context, id, reviewerID, reason string) (*models.RegistrationRequest, error) {
	if m.RejectFunc != nil {
		return m.RejectFunc(ctx, id, reviewerID, reason)
	}
	return nil, models.ErrNotFound
}

// MockAuditRepository implements AuditRepository for testing
type MockAuditRepository struct {
	QueryFunc          func(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error)
	SecurityEventsFunc func(ctx context.Context, since time.Time, page, pageSize int) (*models.Page[*models.AuditLog], error)
	LoginHistoryFunc   func(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error)
	MarkLogoutFunc     func(ctx context.Context, tokenHash string, at time.Time) (int64, error)
}

func (m *MockAuditRepository) Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, q)
	}
	return &models.Page[*models.AuditLog]{Items: []*models.AuditLog{}, Page: q.Page, PageSize: q.PageSize}, nil
}

func (m *MockAuditRepository) SecurityEvents(ctx context.Context, since time.Time, page, pageSize int) (*models.Page[*models.AuditLog], error) {
	if m.SecurityEventsFunc != nil {
		return m.SecurityEventsFunc(ctx, since, page, pageSize)
	}
	return &models.Page[*models.AuditLog]{Items: []*models.AuditLog{}, Page: page, PageSize: pageSize}, nil
}

func (m *MockAuditRepository) LoginHistory(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error) {
	if m.LoginHistoryFunc != nil {
		return m.LoginHistoryFunc(ctx, userID, page, size)
	}
	return &models.Page[*models.LoginHistory]{Items: []*models.LoginHistory{}, Page: page, PageSize: size}, nil
}

func (m *MockAuditRepository) MarkLogout(ctx context.Context, tokenHash string, at time.Time) (int64, error) {
	if m.MarkLogoutFunc != nil {
		return m.MarkLogoutFunc(ctx, tokenHash, at)
	}
	return 1, nil
}

// MockSecondFactor implements SecondFactor for testing
type MockSecondFactor struct {
	IsRequiredFunc       func(ctx context.Context, userID string) (bool, error)
	VerifyCodeFunc       func(ctx context.Context, userID, code string) (bool, error)
	VerifyBackupCodeFunc func(ctx context.Context, userID, code string) (bool, error)
}

func (m *MockSecondFactor) IsRequired(ctx context.Context, userID string) (bool, error) {
	if m.IsRequiredFunc != nil {
		return m.IsRequiredFunc(ctx, userID)
	}
	return false, nil
}

func (m *MockSecondFactor) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	if m.VerifyCodeFunc != nil {
		return m.VerifyCodeFunc(ctx, userID, code)
	}
	return false, nil
}

func (m *MockSecondFactor) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	if m.VerifyBackupCodeFunc != nil {
		return m.VerifyBackupCodeFunc(ctx, userID, code)
	}
	return false, nil
}

// RecordingAuditor captures audit, login and action records in memory.
type RecordingAuditor struct {
	mu      sync.Mutex
	Entries []*models.AuditLog
	Logins  []LoginEvent
	Logouts []string
}

func (r *RecordingAuditor) Record(ctx context.Context, entry *models.AuditLog) audit.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, entry)
	return audit.OutcomeWrittenPrimary
}

func (r *RecordingAuditor) RecordLogin(ctx context.Context, ev LoginEvent) audit.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logins = append(r.Logins, ev)
	return audit.OutcomeWrittenPrimary
}

func (r *RecordingAuditor) RecordLogout(ctx context.Context, claims *auth.Claims, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logouts = append(r.Logouts, HashSessionToken(token))
}

func (r *RecordingAuditor) RecordAction(ctx context.Context, actor *auth.Claims, action, resourceType, resourceID, module, description string) audit.Outcome {
	entry := &models.AuditLog{ActionType: action, Description: description, Status: models.AuditStatusSuccess}
	setActor(entry, actor)
	entry.ResourceType = &resourceType
	entry.ResourceID = &resourceID
	entry.Module = &module
	return r.Record(ctx, entry)
}

func (r *RecordingAuditor) RecordAccessDenied(ctx context.Context, claims *auth.Claims, denied []string) {
	entry := &models.AuditLog{
		ActionType:  models.ActionAccessDenied,
		Status:      models.AuditStatusFailed,
		RequestBody: models.AuditMetadata{"denied_permissions": toAny(denied)},
	}
	setActor(entry, claims)
	r.Record(ctx, entry)
}

// Actions returns the recorded action types in order.
func (r *RecordingAuditor) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.ActionType
	}
	return out
}

// CountingClearer implements RoleDirectory for testing. Known, when set,
// limits the legacy roles it accepts.
type CountingClearer struct {
	mu      sync.Mutex
	Cleared []string
	Known   []string
}

func (c *CountingClearer) CheckLegacyRole(ctx context.Context, actor *auth.Claims, role string) error {
	if role == "" || c.Known == nil {
		return nil
	}
	for _, k := range c.Known {
		if k == role {
			return nil
		}
	}
	return models.NewValidationError("role", "unknown role")
}

func (c *CountingClearer) ClearCache(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cleared = append(c.Cleared, userID)
}

// MemoryRBACStore is an in-memory RBACRepository.
type MemoryRBACStore struct {
	mu          sync.Mutex
	Roles       map[string]*models.Role
	Permissions map[string]*models.Permission
	Grants      map[string][]string // role -> permission codes
	Assignments map[string][]string // user -> role codes
	Rules       []*models.DataPermissionRule
	Menus       map[string]*models.MenuPermission
	RoleMenus   map[string][]string
	Calls       int // PermissionsForRoles invocations
}

// NewMemoryRBACStore creates an empty store.
func NewMemoryRBACStore() *MemoryRBACStore {
	return &MemoryRBACStore{
		Roles:       make(map[string]*models.Role),
		Permissions: make(map[string]*models.Permission),
		Grants:      make(map[string][]string),
		Assignments: make(map[string][]string),
		Menus:       make(map[string]*models.MenuPermission),
		RoleMenus:   make(map[string][]string),
	}
}

// AddRole defines an active role with the given grants, creating any
// missing permission codes.
func (m *MemoryRBACStore) AddRole(code string, perms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Roles[code] = &models.Role{Code: code, Name: code, IsActive: true}
	for _, p := range perms {
		if _, ok := m.Permissions[p]; !ok {
			if perm, err := models.NewPermission(p, "", ""); err == nil {
				m.Permissions[p] = perm
			}
		}
	}
	m.Grants[code] = append([]string{}, perms...)
}

func (m *MemoryRBACStore) ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Role, 0, len(m.Roles))
	for _, r := range m.Roles {
		if r.IsActive || includeInactive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryRBACStore) GetRole(ctx context.Context, code string) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Roles[code]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRBACStore) CreateRole(ctx context.Context, role *models.Role) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Roles[role.Code]; ok {
		return nil, models.ErrConflict
	}
	cp := *role
	cp.IsActive = true
	m.Roles[role.Code] = &cp
	return &cp, nil
}

func (m *MemoryRBACStore) UpdateRole(ctx context.Context, role *models.Role) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Roles[role.Code]; !ok {
		return nil, models.ErrNotFound
	}
	cp := *role
	m.Roles[role.Code] = &cp
	return &cp, nil
}

func (m *MemoryRBACStore) ListPermissions(ctx context.Context, module string) ([]*models.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Permission, 0, len(m.Permissions))
	for _, p := range m.Permissions {
		if module == "" || p.Module == module {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryRBACStore) AllPermissionCodes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Permissions))
	for code := range m.Permissions {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRBACStore) CreatePermission(ctx context.Context, p *models.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Permissions[p.Code]; ok {
		return models.ErrConflict
	}
	m.Permissions[p.Code] = p
	return nil
}

func (m *MemoryRBACStore) SetRolePermissions(ctx context.Context, role string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Roles[role]; !ok {
		return models.ErrNotFound
	}
	for _, c := range codes {
		if _, ok := m.Permissions[c]; !ok {
			return models.NewValidationError("codes", fmt.Sprintf("unknown permission %s", c))
		}
	}
	m.Grants[role] = append([]string{}, codes...)
	return nil
}

func (m *MemoryRBACStore) RolePermissionCodes(ctx context.Context, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.Grants[role]...), nil
}

func (m *MemoryRBACStore) PermissionsForRoles(ctx context.Context, roles []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	var out []string
	for _, r := range roles {
		out = append(out, m.Grants[r]...)
	}
	return out, nil
}

func (m *MemoryRBACStore) UserRoleCodes(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.Assignments[userID]...), nil
}

func (m *MemoryRBACStore) ActiveRoleCodes(ctx context.Context, codes []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if r, ok := m.Roles[c]; ok && r.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryRBACStore) AssignRole(ctx context.Context, userID, role, assignedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Assignments[userID] {
		if r == role {
			return nil
		}
	}
	m.Assignments[userID] = append(m.Assignments[userID], role)
	return nil
}

func (m *MemoryRBACStore) RemoveRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Assignments[userID][:0]
	found := false
	for _, r := range m.Assignments[userID] {
		if r == role {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return models.ErrNotFound
	}
	m.Assignments[userID] = kept
	return nil
}

func (m *MemoryRBACStore) matchingRules(module, resource string, keep func(*models.DataPermissionRule) bool) []*models.DataPermissionRule {
	var out []*models.DataPermissionRule
	for _, r := range m.Rules {
		if r.IsActive && r.Module == module && r.Resource == resource && keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (m *MemoryRBACStore) UserDataRules(ctx context.Context, userID, module, resource string) ([]*models.DataPermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchingRules(module, resource, func(r *models.DataPermissionRule) bool {
		return r.UserID != nil && *r.UserID == userID
	}), nil
}

func (m *MemoryRBACStore) RoleDataRules(ctx context.Context, roles []string, module, resource string) ([]*models.DataPermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchingRules(module, resource, func(r *models.DataPermissionRule) bool {
		return r.RoleCode != nil && contains(roles, *r.RoleCode)
	}), nil
}

func (m *MemoryRBACStore) ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DataPermissionRule
	for _, r := range m.Rules {
		if module == "" || r.Module == module {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryRBACStore) CreateDataRule(ctx context.Context, rule *models.DataPermissionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule_%d", len(m.Rules)+1)
	}
	m.Rules = append(m.Rules, rule)
	return nil
}

func (m *MemoryRBACStore) DeleteDataRule(ctx context.Context, id string) (*models.DataPermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.Rules {
		if r.ID == id {
			m.Rules = append(m.Rules[:i], m.Rules[i+1:]...)
			return r, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryRBACStore) MenusForRoles(ctx context.Context, roles []string, module string) ([]*models.MenuPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MenuPermission
	for _, role := range roles {
		for _, code := range m.RoleMenus[role] {
			if menu, ok := m.Menus[code]; ok && (module == "" || menu.Module == module) {
				out = append(out, menu)
			}
		}
	}
	return out, nil
}

func (m *MemoryRBACStore) AllMenus(ctx context.Context, module string) ([]*models.MenuPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MenuPermission
	for _, menu := range m.Menus {
		if module == "" || menu.Module == module {
			out = append(out, menu)
		}
	}
	return out, nil
}

func (m *MemoryRBACStore) SetRoleMenus(ctx context.Context, role string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoleMenus[role] = append([]string{}, codes...)
	return nil
}

// MemoryTwoFactorStore is an in-memory TwoFactorRepository with the same
// conditional-update semantics as the database implementation.
type MemoryTwoFactorStore struct {
	mu          sync.Mutex
	Enrollments map[string]*models.TwoFactorEnrollment
	Codes       map[string][]*models.TwoFactorBackupCode
	seq         int
}

// NewMemoryTwoFactorStore creates an empty store.
func NewMemoryTwoFactorStore() *MemoryTwoFactorStore {
	return &MemoryTwoFactorStore{
		Enrollments: make(map[string]*models.TwoFactorEnrollment),
		Codes:       make(map[string][]*models.TwoFactorBackupCode),
	}
}

func (m *MemoryTwoFactorStore) Get(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Enrollments[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryTwoFactorStore) SavePending(ctx context.Context, userID string, secretEncrypted, nonce []byte, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.Enrollments[userID]; ok && e.Enabled {
		return models.ErrTwoFactorEnabled
	}
	now := time.Now()
	m.Enrollments[userID] = &models.TwoFactorEnrollment{
		UserID:          userID,
		SecretEncrypted: secretEncrypted,
		SecretNonce:     nonce,
		EnrolledAt:      &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.replaceCodes(userID, codeHashes)
	return nil
}

func (m *MemoryTwoFactorStore) replaceCodes(userID string, codeHashes []string) {
	codes := make([]*models.TwoFactorBackupCode, len(codeHashes))
	for i, h := range codeHashes {
		m.seq++
		codes[i] = &models.TwoFactorBackupCode{ID: fmt.Sprintf("code_%d", m.seq), UserID: userID, CodeHash: h}
	}
	m.Codes[userID] = codes
}

func (m *MemoryTwoFactorStore) Enable(ctx context.Context, userID string, step int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Enrollments[userID]
	if !ok || e.Enabled || len(e.SecretEncrypted) == 0 {
		return models.ErrConflict
	}
	now := time.Now()
	e.Enabled = true
	e.Verified = true
	e.VerifiedAt = &now
	e.LastUsedAt = &now
	e.LastUsedStep = step
	return nil
}

func (m *MemoryTwoFactorStore) RecordUse(ctx context.Context, userID string, step int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Enrollments[userID]
	if !ok || !e.Enabled || step <= e.LastUsedStep {
		return false, nil
	}
	now := time.Now()
	e.LastUsedStep = step
	e.LastUsedAt = &now
	return true, nil
}

func (m *MemoryTwoFactorStore) Disable(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Enrollments[userID]
	if !ok || len(e.SecretEncrypted) == 0 {
		return models.ErrNotFound
	}
	now := time.Now()
	e.Enabled = false
	e.Verified = false
	e.SecretEncrypted = nil
	e.SecretNonce = nil
	e.DisabledAt = &now
	delete(m.Codes, userID)
	return nil
}

func (m *MemoryTwoFactorStore) UnusedBackupCodes(ctx context.Context, userID string) ([]models.TwoFactorBackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TwoFactorBackupCode
	for _, c := range m.Codes[userID] {
		if !c.Used {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryTwoFactorStore) ConsumeBackupCode(ctx context.Context, codeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, codes := range m.Codes {
		for _, c := range codes {
			if c.ID == codeID {
				if c.Used {
					return false, nil
				}
				now := time.Now()
				c.Used = true
				c.UsedAt = &now
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryTwoFactorStore) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCodes(userID, codeHashes)
	return nil
}

// NewTestUser creates an active employee for testing
func NewTestUser(id, username, email string) *models.User {
	now := time.Now()
	return &models.User{
		ID:                id,
		Username:          username,
		Email:             email,
		FullName:          "Test " + username,
		UserType:          models.UserTypeEmployee,
		IsActive:          true,
		PasswordChangedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// UserLookup returns a GetByIDFunc serving the given users.
func UserLookup(users ...*models.User) func(ctx context.Context, id string) (*models.User, error) {
	byID := make(map[string]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return func(ctx context.Context, id string) (*models.User, error) {
		if u, ok := byID[id]; ok {
			cp := *u
			return &cp, nil
		}
		return nil, models.ErrNotFound
	}
}
