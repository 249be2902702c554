package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, username, email, password_hash, full_name, user_type, role, is_active,
	failed_attempts, locked_until, password_changed_at, password_expires_at,
	department_id, department_name, position_id, position_name, team_id, team_name,
	created_at, updated_at`

// scanUserRow populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	err := scanner.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.FullName,
		&user.UserType, &user.Role, &user.IsActive,
		&user.FailedAttempts, &user.LockedUntil, &user.PasswordChangedAt, &user.PasswordExpiresAt,
		&user.DepartmentID, &user.DepartmentName, &user.PositionID, &user.PositionName,
		&user.TeamID, &user.TeamName,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &user, nil
}

// scanUserRows iterates through rows and scans each into User models
func scanUserRows(rows pgx.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return users, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

// GetByUsername matches case-insensitively.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, username))
}

// GetByEmail matches case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

// ExistsByUsernameOrEmail reports whether either identifier is taken.
func (r *UserRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($2))`,
		username, email,
	).Scan(&exists)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Create inserts user with the hash it already carries and records that
// hash in the password history, in one transaction.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, err := insertUser(ctx, tx, user)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return created, nil
}

// insertUser writes the user row and its first password history entry.
// The hash is stored as given and never re-hashed.
func insertUser(ctx context.Context, q querier, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.UserType == "" {
		user.UserType = models.UserTypeEmployee
	}
	if user.PasswordChangedAt == nil {
		user.PasswordChangedAt = &now
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, full_name, user_type, role, is_active,
			password_changed_at, password_expires_at, department_id, department_name,
			position_id, position_name, team_id, team_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING ` + userColumns

	created, err := scanUserRow(q.QueryRow(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.FullName, user.UserType,
		user.Role, user.IsActive, user.PasswordChangedAt, user.PasswordExpiresAt,
		user.DepartmentID, user.DepartmentName, user.PositionID, user.PositionName,
		user.TeamID, user.TeamName, user.CreatedAt, user.UpdatedAt,
	))
	if err != nil {
		return nil, err
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)`,
		created.ID, created.PasswordHash, now,
	); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return created, nil
}

// UpdateLoginState persists the lockout counters.
func (r *UserRepository) UpdateLoginState(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE users SET failed_attempts = $1, locked_until = $2, updated_at = NOW() WHERE id = $3`,
		failedAttempts, lockedUntil, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// IncrementFailedAttempts bumps the counter atomically and locks the
// account once it reaches maxAttempts. It returns the new count and lock.
func (r *UserRepository) IncrementFailedAttempts(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, *time.Time, error) {
	query := `
		UPDATE users SET
			failed_attempts = failed_attempts + 1,
			locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN NOW() + make_interval(secs => $3) ELSE locked_until END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING failed_attempts, locked_until
	`
	var attempts int
	var lockedUntil *time.Time
	err := r.pool.QueryRow(ctx, query, id, maxAttempts, lockFor.Seconds()).Scan(&attempts, &lockedUntil)
	if err != nil {
		return 0, nil, database.MapPostgresError(err)
	}
	return attempts, lockedUntil, nil
}

// UpdatePassword replaces the hash, records it in the history and trims
// the history to keep entries.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, hash string, expiresAt *time.Time, keep int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE users SET password_hash = $1, password_changed_at = NOW(), password_expires_at = $2,
			failed_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $3`,
		hash, expiresAt, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO password_history (user_id, password_hash) VALUES ($1, $2)`, id, hash,
	); err != nil {
		return database.MapPostgresError(err)
	}

	if keep > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM password_history WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM password_history WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
			)`, id, keep,
		); err != nil {
			return database.MapPostgresError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// RecentPasswordHashes returns up to n hashes, newest first.
func (r *UserRepository) RecentPasswordHashes(ctx context.Context, id string, n int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT password_hash FROM password_history WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		id, n,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return hashes, nil
}

// SetActive toggles the soft active flag.
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE users SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateRole sets the legacy single role code.
func (r *UserRepository) UpdateRole(ctx context.Context, id, role string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`, role, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// List returns one page of users matching filter, newest first.
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error) {
	page, size := models.Normalize(filter.Page, filter.PageSize)

	var where []string
	var args []any
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(username ILIKE $%d OR email ILIKE $%d OR full_name ILIKE $%d)", n, n, n))
	}
	if filter.Role != "" {
		args = append(args, filter.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+clause, args...).Scan(&total); err != nil {
		return nil, database.MapPostgresError(err)
	}

	args = append(args, size, models.Offset(page, size))
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		userColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	users, err := scanUserRows(rows)
	if err != nil {
		return nil, err
	}
	return &models.Page[*models.User]{Items: users, Total: total, Page: page, PageSize: size}, nil
}
