//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/seed"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// TestDB manages the PostgreSQL testcontainer and the migrated schema.
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	DB         *database.DB
}

// SetupTestDatabase starts PostgreSQL, applies the embedded migrations and
// returns the wrapped pool.
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("keystone"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := database.FromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &TestDB{Container: container, ConnString: connStr, DB: db}, nil
}

// Teardown stops the container and closes the connection pool
func (t *TestDB) Teardown(ctx context.Context) error {
	if t.DB != nil {
		t.DB.Close()
	}
	if t.Container != nil {
		return t.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (t *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"two_factor_backup_codes",
		"two_factor_enrollments",
		"login_history",
		"audit_logs",
		"role_menus",
		"menu_permissions",
		"data_permission_rules",
		"user_roles",
		"role_permissions",
		"permissions",
		"roles",
		"registration_requests",
		"password_history",
		"users",
	}
	_, err := t.DB.Pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE")
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

// SeedCatalog applies an inline YAML catalog through the seed package.
func SeedCatalog(ctx context.Context, db *database.DB, doc string) error {
	c, err := seed.Parse(strings.NewReader(doc))
	if err != nil {
		return err
	}
	_, err = seed.Apply(ctx, repositories.NewRBACRepository(db), c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return err
}

// SeedUser inserts an active principal with the given roles.
func SeedUser(ctx context.Context, db *database.DB, username, password string, departmentID *int64, roles ...string) (*models.User, error) {
	hash, err := pkgauth.NewHasher(testBcryptCost).Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := repositories.NewUserRepository(db).Create(ctx, &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		FullName:     username,
		UserType:     models.UserTypeEmployee,
		IsActive:     true,
		DepartmentID: departmentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	rbacRepo := repositories.NewRBACRepository(db)
	for _, role := range roles {
		if err := rbacRepo.AssignRole(ctx, user.ID, role, ""); err != nil {
			return nil, fmt.Errorf("failed to assign %s: %w", role, err)
		}
	}
	return user, nil
}

// CountAudit counts audit entries with the given action and status.
func CountAudit(ctx context.Context, db *database.DB, userID, action, status string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_logs
		WHERE user_id = $1 AND action_type = $2 AND status = $3`,
		userID, action, status,
	).Scan(&n)
	return n, err
}
