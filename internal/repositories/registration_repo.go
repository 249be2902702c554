package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistrationRepository stores self-service account requests.
type RegistrationRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewRegistrationRepository(db *database.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db, pool: db.Pool}
}

const registrationColumns = `id, username, email, password_hash, full_name, user_type, requested_role,
	department_id, position_id, team_id, status, reviewed_by, reviewed_at, rejection_reason, created_at`

func scanRegistrationRow(row rowScanner) (*models.RegistrationRequest, error) {
	var req models.RegistrationRequest
	err := row.Scan(
		&req.ID, &req.Username, &req.Email, &req.PasswordHash, &req.FullName, &req.UserType,
		&req.RequestedRole, &req.DepartmentID, &req.PositionID, &req.TeamID, &req.Status,
		&req.ReviewedBy, &req.ReviewedAt, &req.RejectionReason, &req.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &req, nil
}

// Create stores a pending request. A pending request with the same
// username or email yields models.ErrConflict.
func (r *RegistrationRepository) Create(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = models.RegistrationPending
	req.CreatedAt = time.Now().UTC()

	return scanRegistrationRow(r.pool.QueryRow(ctx, `
		INSERT INTO registration_requests (id, username, email, password_hash, full_name, user_type,
			requested_role, department_id, position_id, team_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+registrationColumns,
		req.ID, req.Username, req.Email, req.PasswordHash, req.FullName, req.UserType,
		req.RequestedRole, req.DepartmentID, req.PositionID, req.TeamID, req.Status, req.CreatedAt,
	))
}

// ExistsPending reports whether a pending request holds username or email.
func (r *RegistrationRepository) ExistsPending(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM registration_requests
			WHERE status = 'pending' AND (LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($2)))`,
		username, email,
	).Scan(&exists)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	return scanRegistrationRow(r.pool.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registration_requests WHERE id = $1`, id))
}

// List returns one page of requests, oldest first. An empty status lists all.
func (r *RegistrationRepository) List(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error) {
	page, size = models.Normalize(page, size)

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM registration_requests WHERE $1 = '' OR status = $1`, status,
	).Scan(&total); err != nil {
		return nil, database.MapPostgresError(err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+registrationColumns+` FROM registration_requests
		WHERE $1 = '' OR status = $1
		ORDER BY created_at LIMIT $2 OFFSET $3`,
		status, size, models.Offset(page, size),
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	items := make([]*models.RegistrationRequest, 0)
	for rows.Next() {
		req, err := scanRegistrationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &models.Page[*models.RegistrationRequest]{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// decide moves a pending request to status. A request that is no longer
// pending yields models.ErrConflict.
func decide(ctx context.Context, tx pgx.Tx, id, status, reviewerID string, reason *string) (*models.RegistrationRequest, error) {
	req, err := scanRegistrationRow(tx.QueryRow(ctx, `
		UPDATE registration_requests SET status = $2, reviewed_by = $3, reviewed_at = NOW(), rejection_reason = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+registrationColumns,
		id, status, reviewerID, reason,
	))
	if errors.Is(err, models.ErrNotFound) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registration_requests WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, database.MapPostgresError(qerr)
		}
		if exists {
			return nil, models.ErrConflict
		}
	}
	return req, err
}

// Approve marks the request approved and creates the user from it in one
// transaction. The stored hash is used as is.
func (r *RegistrationRepository) Approve(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
	var req *models.RegistrationRequest
	var user *models.User
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = decide(ctx, tx, id, models.RegistrationApproved, reviewerID, nil)
		if err != nil {
			return err
		}
		user, err = insertUser(ctx, tx, build(req))
		if err != nil {
			return err
		}
		if user.Role != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role_code, assigned_by)
				SELECT $1, code, $2 FROM roles WHERE code = $3
				ON CONFLICT DO NOTHING`, user.ID, reviewerID, user.Role,
			); err != nil {
				return database.MapPostgresError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return req, user, nil
}

// Reject marks the request rejected with reason.
func (r *RegistrationRepository) Reject(ctx context.Context, id, reviewerID, reason string) (*models.RegistrationRequest, error) {
	var req *models.RegistrationRequest
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = decide(ctx, tx, id, models.RegistrationRejected, reviewerID, &reason)
		return err
	})
	return req, err
}
