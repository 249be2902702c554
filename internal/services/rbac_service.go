package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/rbac"
	"golang.org/x/sync/singleflight"
)

// Permission codes guarding the administrative surface of this service.
const (
	PermRoleRead            = "system:role:read"
	PermRoleManage          = "system:role:manage"
	PermAuditRead           = "system:audit:read"
	PermAuditRecover        = "system:audit:recover"
	PermRegistrationApprove = "system:registration:approve"
	PermUserManage          = "system:user:manage"
)

// RBACRepository defines the role, permission and assignment store.
type RBACRepository interface {
	ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error)
	GetRole(ctx context.Context, code string) (*models.Role, error)
	CreateRole(ctx context.Context, role *models.Role) (*models.Role, error)
	UpdateRole(ctx context.Context, role *models.Role) (*models.Role, error)
	ListPermissions(ctx context.Context, module string) ([]*models.Permission, error)
	AllPermissionCodes(ctx context.Context) ([]string, error)
	CreatePermission(ctx context.Context, p *models.Permission) error
	SetRolePermissions(ctx context.Context, role string, codes []string) error
	RolePermissionCodes(ctx context.Context, role string) ([]string, error)
	PermissionsForRoles(ctx context.Context, roles []string) ([]string, error)
	UserRoleCodes(ctx context.Context, userID string) ([]string, error)
	ActiveRoleCodes(ctx context.Context, codes []string) ([]string, error)
	AssignRole(ctx context.Context, userID, role, assignedBy string) error
	RemoveRole(ctx context.Context, userID, role string) error
	UserDataRules(ctx context.Context, userID, module, resource string) ([]*models.DataPermissionRule, error)
	RoleDataRules(ctx context.Context, roles []string, module, resource string) ([]*models.DataPermissionRule, error)
	ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error)
	CreateDataRule(ctx context.Context, rule *models.DataPermissionRule) error
	DeleteDataRule(ctx context.Context, id string) (*models.DataPermissionRule, error)
	MenusForRoles(ctx context.Context, roles []string, module string) ([]*models.MenuPermission, error)
	AllMenus(ctx context.Context, module string) ([]*models.MenuPermission, error)
	SetRoleMenus(ctx context.Context, role string, codes []string) error
}

// PrincipalReader loads the principal attributes RBAC resolution needs.
type PrincipalReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// InvalidationPublisher fans local cache clears out to other instances.
type InvalidationPublisher interface {
	PublishOne(ctx context.Context, key string) error
	PublishAll(ctx context.Context) error
}

// ActionRecorder writes audit entries for successful mutations.
type ActionRecorder interface {
	RecordAction(ctx context.Context, actor *auth.Claims, action, resourceType, resourceID, module, description string) audit.Outcome
}

// CacheObserver receives cache statistics.
type CacheObserver interface {
	CacheLookup(hit bool)
	CacheInvalidation(all, remote bool)
}

// RBACService resolves principals to permissions, data filters and menus.
// Resolved roles and permissions are cached per principal; data rules and
// menus are read on every call.
type RBACService struct {
	repo      RBACRepository
	users     PrincipalReader
	cache     *rbac.Cache
	topRole   string
	recorder  ActionRecorder
	publisher InvalidationPublisher
	observer  CacheObserver
	flights   singleflight.Group
	logger    *slog.Logger
}

// NewRBACService creates a new RBACService. topRole names the role that
// receives the wildcard.
func NewRBACService(repo RBACRepository, users PrincipalReader, cache *rbac.Cache, topRole string, recorder ActionRecorder, logger *slog.Logger) *RBACService {
	return &RBACService{
		repo:     repo,
		users:    users,
		cache:    cache,
		topRole:  topRole,
		recorder: recorder,
		logger:   logger,
	}
}

// SetPublisher attaches the invalidation bus. The bus in turn delivers
// remote invalidations to InvalidateOne and InvalidateAll.
func (s *RBACService) SetPublisher(p InvalidationPublisher) {
	s.publisher = p
}

// SetObserver attaches cache statistics.
func (s *RBACService) SetObserver(o CacheObserver) {
	s.observer = o
}

// TopRole returns the wildcard role code.
func (s *RBACService) TopRole() string {
	return s.topRole
}

// resolve returns the principal's cached entry, recomputing on a miss.
func (s *RBACService) resolve(ctx context.Context, userID string) (*rbac.Entry, error) {
	if e, ok := s.cache.Get(userID); ok {
		s.observeLookup(true)
		return e, nil
	}
	s.observeLookup(false)

	ticket := s.cache.Begin(userID)
	v, err, _ := s.flights.Do(ticket.Flight(), func() (any, error) {
		roles, perms, err := s.compute(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		e, stored := s.cache.Put(ticket, roles, perms)
		if !stored {
			s.logger.DebugContext(ctx, "discarded rbac recompute raced by invalidation", slog.String("user_id", userID))
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rbac.Entry), nil
}

// compute unions explicit assignments with the legacy role, which counts
// as one more membership. Inactive and unknown roles contribute nothing.
func (s *RBACService) compute(ctx context.Context, userID string) ([]string, rbac.PermissionSet, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return []string{}, rbac.NewPermissionSet(), nil
		}
		return nil, rbac.PermissionSet{}, err
	}
	if !user.IsActive {
		return []string{}, rbac.NewPermissionSet(), nil
	}

	assigned, err := s.repo.UserRoleCodes(ctx, userID)
	if err != nil {
		return nil, rbac.PermissionSet{}, err
	}
	candidates := assigned
	if user.Role != "" && !contains(assigned, user.Role) {
		candidates = append(append([]string{}, assigned...), user.Role)
	}
	roles, err := s.repo.ActiveRoleCodes(ctx, candidates)
	if err != nil {
		return nil, rbac.PermissionSet{}, err
	}

	if s.topRole != "" && contains(roles, s.topRole) {
		all, err := s.repo.AllPermissionCodes(ctx)
		if err != nil {
			return nil, rbac.PermissionSet{}, err
		}
		return roles, rbac.WildcardSet(all...), nil
	}

	codes, err := s.repo.PermissionsForRoles(ctx, roles)
	if err != nil {
		return nil, rbac.PermissionSet{}, err
	}
	return roles, rbac.NewPermissionSet(codes...), nil
}

// GetEffectivePermissions returns the principal's permission set.
func (s *RBACService) GetEffectivePermissions(ctx context.Context, userID string) (rbac.PermissionSet, error) {
	e, err := s.resolve(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve permissions", slog.String("user_id", userID), slog.Any("error", err))
		return rbac.PermissionSet{}, passThrough(err)
	}
	return e.Permissions, nil
}

// GetRoles returns the principal's active role codes, legacy role included.
func (s *RBACService) GetRoles(ctx context.Context, userID string) ([]string, error) {
	e, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}
	return append([]string{}, e.Roles...), nil
}

func (s *RBACService) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	set, err := s.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(code), nil
}

func (s *RBACService) HasAnyPermission(ctx context.Context, userID string, codes ...string) (bool, error) {
	set, err := s.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasAny(codes...), nil
}

func (s *RBACService) HasAllPermissions(ctx context.Context, userID string, codes ...string) (bool, error) {
	set, err := s.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasAll(codes...), nil
}

// HasModuleAccess reports whether any effective code belongs to module.
func (s *RBACService) HasModuleAccess(ctx context.Context, userID, module string) (bool, error) {
	set, err := s.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasModule(module), nil
}

// GetDataFilter returns the merged data-scope filter for (module,
// resource). A nil filter means unrestricted: either the principal holds
// the top role or no rule matches. User rules come first, then each role's
// rules in role order.
func (s *RBACService) GetDataFilter(ctx context.Context, userID, module, resource string) (rbac.Filter, error) {
	e, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}
	if s.topRole != "" && contains(e.Roles, s.topRole) {
		return nil, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}
	attrs := rbac.Attributes{
		UserID:       user.ID,
		Username:     user.Username,
		DepartmentID: user.DepartmentID,
		PositionID:   user.PositionID,
		TeamID:       user.TeamID,
	}

	userRules, err := s.repo.UserDataRules(ctx, userID, module, resource)
	if err != nil {
		return nil, passThrough(err)
	}
	roleRules, err := s.repo.RoleDataRules(ctx, e.Roles, module, resource)
	if err != nil {
		return nil, passThrough(err)
	}

	byRole := make(map[string][]*models.DataPermissionRule)
	for _, r := range roleRules {
		if r.RoleCode != nil {
			byRole[*r.RoleCode] = append(byRole[*r.RoleCode], r)
		}
	}
	ordered := append([]*models.DataPermissionRule{}, userRules...)
	for _, role := range e.Roles {
		ordered = append(ordered, byRole[role]...)
	}

	filters := make([]rbac.Filter, 0, len(ordered))
	for _, rule := range ordered {
		cond, err := rbac.ParseCondition(rule.Condition)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping data rule with invalid condition",
				slog.String("rule_id", rule.ID), slog.Any("error", err))
			continue
		}
		filters = append(filters, rbac.Resolve(cond, attrs))
	}
	return rbac.MergeFilters(filters...), nil
}

// GetMenus returns the menus reachable through the principal's roles,
// deduplicated and sorted by declared order.
func (s *RBACService) GetMenus(ctx context.Context, userID, module string) ([]*models.MenuPermission, error) {
	e, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}

	var menus []*models.MenuPermission
	if s.topRole != "" && contains(e.Roles, s.topRole) {
		menus, err = s.repo.AllMenus(ctx, module)
	} else {
		menus, err = s.repo.MenusForRoles(ctx, e.Roles, module)
	}
	if err != nil {
		return nil, passThrough(err)
	}

	seen := make(map[string]bool, len(menus))
	out := make([]*models.MenuPermission, 0, len(menus))
	for _, m := range menus {
		if seen[m.Code] {
			continue
		}
		seen[m.Code] = true
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// ClearCache drops one principal's entry, or every entry when userID is
// empty, and tells the other instances to do the same.
func (s *RBACService) ClearCache(ctx context.Context, userID string) {
	if userID == "" {
		s.cache.InvalidateAll()
		s.observeInvalidation(true, false)
		if s.publisher != nil {
			if err := s.publisher.PublishAll(ctx); err != nil {
				s.logger.WarnContext(ctx, "failed to publish rbac invalidation", slog.Any("error", err))
			}
		}
		return
	}

	s.cache.InvalidateOne(userID)
	s.observeInvalidation(false, false)
	if s.publisher != nil {
		if err := s.publisher.PublishOne(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "failed to publish rbac invalidation",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
}

// InvalidateOne applies an invalidation received from another instance.
func (s *RBACService) InvalidateOne(key string) {
	s.cache.InvalidateOne(key)
	s.observeInvalidation(false, true)
}

// InvalidateAll applies an invalidation received from another instance.
func (s *RBACService) InvalidateAll() {
	s.cache.InvalidateAll()
	s.observeInvalidation(true, true)
}

func (s *RBACService) observeLookup(hit bool) {
	if s.observer != nil {
		s.observer.CacheLookup(hit)
	}
}

func (s *RBACService) observeInvalidation(all, remote bool) {
	if s.observer != nil {
		s.observer.CacheInvalidation(all, remote)
	}
}

// --- administration ---

func (s *RBACService) ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	roles, err := s.repo.ListRoles(ctx, includeInactive)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list roles", slog.Any("error", err))
		return nil, passThrough(err)
	}
	return roles, nil
}

// GetRole returns a role with the codes it grants.
func (s *RBACService) GetRole(ctx context.Context, code string) (*models.Role, []string, error) {
	role, err := s.repo.GetRole(ctx, code)
	if err != nil {
		return nil, nil, passThrough(err)
	}
	codes, err := s.repo.RolePermissionCodes(ctx, code)
	if err != nil {
		return nil, nil, passThrough(err)
	}
	return role, codes, nil
}

func (s *RBACService) CreateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error) {
	if role.Code == "" || role.Name == "" {
		return nil, models.NewValidationError("code", "code and name are required")
	}
	created, err := s.repo.CreateRole(ctx, role)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to create role", slog.String("role", role.Code), slog.Any("error", err))
		return nil, passThrough(err)
	}
	s.recordChange(ctx, actor, models.ActionPermissionChange, "role", created.Code, "created role "+created.Code)
	return created, nil
}

// UpdateRole changes name, level, module scope or active flag. Any of
// these can change effective permissions, so the whole cache is cleared.
func (s *RBACService) UpdateRole(ctx context.Context, actor *auth.Claims, role *models.Role) (*models.Role, error) {
	if role.Code == "" || role.Name == "" {
		return nil, models.NewValidationError("code", "code and name are required")
	}
	updated, err := s.repo.UpdateRole(ctx, role)
	if err != nil {
		return nil, passThrough(err)
	}
	s.ClearCache(ctx, "")
	s.recordChange(ctx, actor, models.ActionPermissionChange, "role", updated.Code, "updated role "+updated.Code)
	return updated, nil
}

// DeactivateRole turns a role off without deleting its grants.
func (s *RBACService) DeactivateRole(ctx context.Context, actor *auth.Claims, code string) error {
	if code == s.topRole {
		return models.NewValidationError("code", "the top-level role cannot be deactivated")
	}
	role, err := s.repo.GetRole(ctx, code)
	if err != nil {
		return passThrough(err)
	}
	if !role.IsActive {
		return nil
	}
	role.IsActive = false
	if _, err := s.repo.UpdateRole(ctx, role); err != nil {
		return passThrough(err)
	}
	s.ClearCache(ctx, "")
	s.recordChange(ctx, actor, models.ActionPermissionChange, "role", code, "deactivated role "+code)
	return nil
}

func (s *RBACService) ListPermissions(ctx context.Context, module string) ([]*models.Permission, error) {
	perms, err := s.repo.ListPermissions(ctx, module)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list permissions", slog.Any("error", err))
		return nil, passThrough(err)
	}
	return perms, nil
}

// CreatePermission defines a new code. The top role's set includes every
// defined code, so the whole cache is cleared.
func (s *RBACService) CreatePermission(ctx context.Context, actor *auth.Claims, code, category, description string) (*models.Permission, error) {
	p, err := models.NewPermission(code, category, description)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreatePermission(ctx, p); err != nil {
		return nil, passThrough(err)
	}
	s.ClearCache(ctx, "")
	s.recordChange(ctx, actor, models.ActionPermissionChange, "permission", p.Code, "created permission "+p.Code)
	return p, nil
}

// SetRolePermissions replaces a role's grants.
func (s *RBACService) SetRolePermissions(ctx context.Context, actor *auth.Claims, role string, codes []string) error {
	for _, c := range codes {
		if _, _, _, err := models.ParsePermissionCode(c); err != nil {
			return err
		}
	}
	codes = dedupe(codes)
	if err := s.repo.SetRolePermissions(ctx, role, codes); err != nil {
		return passThrough(err)
	}
	s.ClearCache(ctx, "")
	s.recordChange(ctx, actor, models.ActionPermissionChange, "role", role,
		fmt.Sprintf("set %d permission(s) on role %s: %s", len(codes), role, strings.Join(codes, ",")))
	return nil
}

// SetRoleMenus replaces the menus a role grants.
func (s *RBACService) SetRoleMenus(ctx context.Context, actor *auth.Claims, role string, codes []string) error {
	if _, err := s.repo.GetRole(ctx, role); err != nil {
		return passThrough(err)
	}
	if err := s.repo.SetRoleMenus(ctx, role, dedupe(codes)); err != nil {
		return passThrough(err)
	}
	s.recordChange(ctx, actor, models.ActionPermissionChange, "role", role,
		fmt.Sprintf("set %d menu(s) on role %s", len(codes), role))
	return nil
}

// AssignRole grants role to one principal and clears only that entry.
func (s *RBACService) AssignRole(ctx context.Context, actor *auth.Claims, userID, role string) error {
	r, err := s.repo.GetRole(ctx, role)
	if err != nil {
		return passThrough(err)
	}
	if !r.IsActive {
		return models.NewValidationError("role", "role is inactive")
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return passThrough(err)
	}

	assignedBy := ""
	if actor != nil {
		assignedBy = actor.UserID
	}
	if err := s.repo.AssignRole(ctx, userID, role, assignedBy); err != nil {
		return passThrough(err)
	}
	s.ClearCache(ctx, userID)
	s.recordChange(ctx, actor, models.ActionPermissionChange, "user", userID, "assigned role "+role)
	return nil
}

// CheckLegacyRole refuses a legacy role that is unknown or inactive. The top
// role can only be handed out by an actor holding PermRoleManage. An empty
// role clears the legacy membership and is always accepted.
func (s *RBACService) CheckLegacyRole(ctx context.Context, actor *auth.Claims, role string) error {
	if role == "" {
		return nil
	}
	r, err := s.repo.GetRole(ctx, role)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.NewValidationError("role", "unknown role")
		}
		return passThrough(err)
	}
	if !r.IsActive {
		return models.NewValidationError("role", "role is inactive")
	}
	if role != s.topRole {
		return nil
	}
	if actor == nil || actor.UserID == "" {
		return models.ErrAuthorizationDenied
	}
	ok, err := s.HasPermission(ctx, actor.UserID, PermRoleManage)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("top role grant refused", slog.String("actor_id", actor.UserID))
		return models.ErrAuthorizationDenied
	}
	return nil
}

// RemoveRole revokes an explicit assignment. The legacy role is not
// touched.
func (s *RBACService) RemoveRole(ctx context.Context, actor *auth.Claims, userID, role string) error {
	if err := s.repo.RemoveRole(ctx, userID, role); err != nil {
		return passThrough(err)
	}
	s.ClearCache(ctx, userID)
	s.recordChange(ctx, actor, models.ActionPermissionChange, "user", userID, "removed role "+role)
	return nil
}

func (s *RBACService) ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error) {
	rules, err := s.repo.ListDataRules(ctx, module)
	if err != nil {
		return nil, passThrough(err)
	}
	return rules, nil
}

// CreateDataRule validates the rule shape and its condition before storing.
func (s *RBACService) CreateDataRule(ctx context.Context, actor *auth.Claims, rule *models.DataPermissionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, err := rbac.ParseCondition(rule.Condition); err != nil {
		return models.NewValidationError("condition", err.Error())
	}
	rule.IsActive = true
	if err := s.repo.CreateDataRule(ctx, rule); err != nil {
		return passThrough(err)
	}
	s.recordChange(ctx, actor, models.ActionPermissionChange, "data_rule", rule.ID,
		fmt.Sprintf("created data rule on %s:%s", rule.Module, rule.Resource))
	return nil
}

func (s *RBACService) DeleteDataRule(ctx context.Context, actor *auth.Claims, id string) error {
	rule, err := s.repo.DeleteDataRule(ctx, id)
	if err != nil {
		return passThrough(err)
	}
	s.recordChange(ctx, actor, models.ActionPermissionChange, "data_rule", id,
		fmt.Sprintf("deleted data rule on %s:%s", rule.Module, rule.Resource))
	return nil
}

func (s *RBACService) recordChange(ctx context.Context, actor *auth.Claims, action, resourceType, resourceID, description string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordAction(ctx, actor, action, resourceType, resourceID, "system", description)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
