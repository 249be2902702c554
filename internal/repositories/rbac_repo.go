package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// RBACRepository persists roles, permissions, assignments, data rules and
// menus.
type RBACRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewRBACRepository(db *database.DB) *RBACRepository {
	return &RBACRepository{db: db, pool: db.Pool}
}

const roleColumns = `code, name, level, module, is_active, created_at, updated_at`

func scanRoleRow(row rowScanner) (*models.Role, error) {
	var role models.Role
	if err := row.Scan(&role.Code, &role.Name, &role.Level, &role.Module, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &role, nil
}

func collectStrings(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return out, nil
}

// --- roles ---

func (r *RBACRepository) ListRoles(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE is_active OR $1 ORDER BY level DESC, code`, includeInactive)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	roles := make([]*models.Role, 0)
	for rows.Next() {
		role, err := scanRoleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return roles, nil
}

func (r *RBACRepository) GetRole(ctx context.Context, code string) (*models.Role, error) {
	return scanRoleRow(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE code = $1`, code))
}

func (r *RBACRepository) CreateRole(ctx context.Context, role *models.Role) (*models.Role, error) {
	return scanRoleRow(r.pool.QueryRow(ctx, `
		INSERT INTO roles (code, name, level, module, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+roleColumns,
		role.Code, role.Name, role.Level, role.Module, role.IsActive,
	))
}

// UpsertRole creates or updates role by code.
func (r *RBACRepository) UpsertRole(ctx context.Context, role *models.Role) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO roles (code, name, level, module, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level,
			module = EXCLUDED.module, is_active = EXCLUDED.is_active, updated_at = NOW()`,
		role.Code, role.Name, role.Level, role.Module, role.IsActive,
	)
	return database.MapPostgresError(err)
}

func (r *RBACRepository) UpdateRole(ctx context.Context, role *models.Role) (*models.Role, error) {
	return scanRoleRow(r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, level = $3, module = $4, is_active = $5, updated_at = NOW()
		WHERE code = $1
		RETURNING `+roleColumns,
		role.Code, role.Name, role.Level, role.Module, role.IsActive,
	))
}

// --- permissions ---

func (r *RBACRepository) ListPermissions(ctx context.Context, module string) ([]*models.Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, module, resource, action, category, description, created_at
		FROM permissions WHERE $1 = '' OR module = $1 ORDER BY code`, module)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	perms := make([]*models.Permission, 0)
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.Code, &p.Module, &p.Resource, &p.Action, &p.Category, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return perms, nil
}

// AllPermissionCodes returns every defined permission code.
func (r *RBACRepository) AllPermissionCodes(ctx context.Context) ([]string, error) {
	return collectStrings(r.pool.Query(ctx, `SELECT code FROM permissions ORDER BY code`))
}

func (r *RBACRepository) CreatePermission(ctx context.Context, p *models.Permission) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (code, module, resource, action, category, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.Code, p.Module, p.Resource, p.Action, p.Category, p.Description,
	).Scan(&p.CreatedAt)
	return database.MapPostgresError(err)
}

// UpsertPermission creates or updates p by code.
func (r *RBACRepository) UpsertPermission(ctx context.Context, p *models.Permission) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO permissions (code, module, resource, action, category, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET category = EXCLUDED.category, description = EXCLUDED.description`,
		p.Code, p.Module, p.Resource, p.Action, p.Category, p.Description,
	)
	return database.MapPostgresError(err)
}

// SetRolePermissions replaces the permissions granted by role.
func (r *RBACRepository) SetRolePermissions(ctx context.Context, role string, codes []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE code = $1)`, role).Scan(&exists); err != nil {
		return database.MapPostgresError(err)
	}
	if !exists {
		return models.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_code = $1`, role); err != nil {
		return database.MapPostgresError(err)
	}
	if len(codes) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_code, permission_code)
			SELECT $1, UNNEST($2::TEXT[])
			ON CONFLICT DO NOTHING`, role, pq.Array(codes),
		); err != nil {
			return database.MapPostgresError(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// RolePermissionCodes lists the codes granted directly by role.
func (r *RBACRepository) RolePermissionCodes(ctx context.Context, role string) ([]string, error) {
	return collectStrings(r.pool.Query(ctx,
		`SELECT permission_code FROM role_permissions WHERE role_code = $1 ORDER BY permission_code`, role))
}

// PermissionsForRoles unions the permissions of the active roles in codes.
// A module-scoped role only contributes permissions of its own module.
func (r *RBACRepository) PermissionsForRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return []string{}, nil
	}
	return collectStrings(r.pool.Query(ctx, `
		SELECT DISTINCT p.code
		FROM role_permissions rp
		JOIN roles r ON r.code = rp.role_code
		JOIN permissions p ON p.code = rp.permission_code
		WHERE r.is_active AND rp.role_code = ANY($1) AND (r.module IS NULL OR r.module = p.module)
		ORDER BY p.code`, pq.Array(roles)))
}

// --- assignments ---

// UserRoleCodes lists the active roles explicitly assigned to userID.
func (r *RBACRepository) UserRoleCodes(ctx context.Context, userID string) ([]string, error) {
	return collectStrings(r.pool.Query(ctx, `
		SELECT ur.role_code FROM user_roles ur JOIN roles r ON r.code = ur.role_code
		WHERE ur.user_id = $1 AND r.is_active
		ORDER BY r.level DESC, ur.role_code`, userID))
}

// ActiveRoleCodes filters codes down to the roles that exist and are active.
func (r *RBACRepository) ActiveRoleCodes(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return []string{}, nil
	}
	return collectStrings(r.pool.Query(ctx,
		`SELECT code FROM roles WHERE is_active AND code = ANY($1) ORDER BY level DESC, code`, pq.Array(codes)))
}

// AssignRole is idempotent.
func (r *RBACRepository) AssignRole(ctx context.Context, userID, role, assignedBy string) error {
	var by *string
	if assignedBy != "" {
		by = &assignedBy
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_code, assigned_by) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_code) DO NOTHING`, userID, role, by)
	return database.MapPostgresError(err)
}

func (r *RBACRepository) RemoveRole(ctx context.Context, userID, role string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_code = $2`, userID, role)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// --- data rules ---

const ruleColumns = `id, user_id, role_code, module, resource, condition, priority, is_active, created_at`

func scanRuleRows(rows pgx.Rows, err error) ([]*models.DataPermissionRule, error) {
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	rules := make([]*models.DataPermissionRule, 0)
	for rows.Next() {
		var rule models.DataPermissionRule
		var condition []byte
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.RoleCode, &rule.Module, &rule.Resource,
			&condition, &rule.Priority, &rule.IsActive, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan data rule: %w", err)
		}
		rule.Condition = condition
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return rules, nil
}

// UserDataRules returns active rules targeting userID directly, highest
// priority first.
func (r *RBACRepository) UserDataRules(ctx context.Context, userID, module, resource string) ([]*models.DataPermissionRule, error) {
	return scanRuleRows(r.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM data_permission_rules
		WHERE is_active AND user_id = $1 AND module = $2 AND resource = $3
		ORDER BY priority DESC, created_at, id`, userID, module, resource))
}

// RoleDataRules returns active rules for any of roles, highest priority
// first within each role.
func (r *RBACRepository) RoleDataRules(ctx context.Context, roles []string, module, resource string) ([]*models.DataPermissionRule, error) {
	if len(roles) == 0 {
		return []*models.DataPermissionRule{}, nil
	}
	return scanRuleRows(r.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM data_permission_rules
		WHERE is_active AND role_code = ANY($1) AND module = $2 AND resource = $3
		ORDER BY role_code, priority DESC, created_at, id`, pq.Array(roles), module, resource))
}

// ListDataRules lists every rule, optionally narrowed to module.
func (r *RBACRepository) ListDataRules(ctx context.Context, module string) ([]*models.DataPermissionRule, error) {
	return scanRuleRows(r.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM data_permission_rules
		WHERE $1 = '' OR module = $1
		ORDER BY module, resource, priority DESC, created_at`, module))
}

func (r *RBACRepository) CreateDataRule(ctx context.Context, rule *models.DataPermissionRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO data_permission_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.UserID, rule.RoleCode, rule.Module, rule.Resource,
		[]byte(rule.Condition), rule.Priority, rule.IsActive, rule.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// DeleteDataRule removes the rule and returns it, so callers know whom it
// affected.
func (r *RBACRepository) DeleteDataRule(ctx context.Context, id string) (*models.DataPermissionRule, error) {
	rules, err := scanRuleRows(r.pool.Query(ctx,
		`DELETE FROM data_permission_rules WHERE id = $1 RETURNING `+ruleColumns, id))
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, models.ErrNotFound
	}
	return rules[0], nil
}

// --- menus ---

// MenusForRoles returns the distinct menus granted to any of roles, ordered
// by sort order. An empty module matches all modules.
func (r *RBACRepository) MenusForRoles(ctx context.Context, roles []string, module string) ([]*models.MenuPermission, error) {
	if len(roles) == 0 {
		return []*models.MenuPermission{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT m.code, m.parent_code, m.module, m.name, m.path, m.icon, m.sort_order
		FROM menu_permissions m
		JOIN role_menus rm ON rm.menu_code = m.code
		JOIN roles r ON r.code = rm.role_code
		WHERE r.is_active AND rm.role_code = ANY($1) AND ($2 = '' OR m.module = $2)
		ORDER BY m.sort_order, m.code`, pq.Array(roles), module)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanMenuRows(rows)
}

// AllMenus returns every menu, for the top-level role.
func (r *RBACRepository) AllMenus(ctx context.Context, module string) ([]*models.MenuPermission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, parent_code, module, name, path, icon, sort_order
		FROM menu_permissions WHERE $1 = '' OR module = $1
		ORDER BY sort_order, code`, module)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanMenuRows(rows)
}

func scanMenuRows(rows pgx.Rows) ([]*models.MenuPermission, error) {
	defer rows.Close()
	menus := make([]*models.MenuPermission, 0)
	for rows.Next() {
		var m models.MenuPermission
		if err := rows.Scan(&m.Code, &m.ParentCode, &m.Module, &m.Name, &m.Path, &m.Icon, &m.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan menu: %w", err)
		}
		menus = append(menus, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return menus, nil
}

// UpsertMenu creates or updates m by code.
func (r *RBACRepository) UpsertMenu(ctx context.Context, m *models.MenuPermission) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO menu_permissions (code, parent_code, module, name, path, icon, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET parent_code = EXCLUDED.parent_code, module = EXCLUDED.module,
			name = EXCLUDED.name, path = EXCLUDED.path, icon = EXCLUDED.icon, sort_order = EXCLUDED.sort_order`,
		m.Code, m.ParentCode, m.Module, m.Name, m.Path, m.Icon, m.SortOrder,
	)
	return database.MapPostgresError(err)
}

// SetRoleMenus replaces the menus granted to role.
func (r *RBACRepository) SetRoleMenus(ctx context.Context, role string, codes []string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_menus WHERE role_code = $1`, role); err != nil {
			return database.MapPostgresError(err)
		}
		if len(codes) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_menus (role_code, menu_code)
			SELECT $1, UNNEST($2::TEXT[]) ON CONFLICT DO NOTHING`, role, pq.Array(codes))
		return database.MapPostgresError(err)
	})
}
