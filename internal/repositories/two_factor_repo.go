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
)

// TwoFactorRepository defines two-factor persistence operations
type TwoFactorRepository interface {
	Get(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error)
	SavePending(ctx context.Context, userID string, secretEncrypted, nonce []byte, codeHashes []string) error
	Enable(ctx context.Context, userID string, step int64) error
	RecordUse(ctx context.Context, userID string, step int64) (bool, error)
	Disable(ctx context.Context, userID string) error
	UnusedBackupCodes(ctx context.Context, userID string) ([]models.TwoFactorBackupCode, error)
	ConsumeBackupCode(ctx context.Context, codeID string) (bool, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error
}

// twoFactorRepoImpl implements TwoFactorRepository
type twoFactorRepoImpl struct {
	pool *pgxpool.Pool
}

// NewTwoFactorRepository creates a new two-factor repository
func NewTwoFactorRepository(db *database.DB) TwoFactorRepository {
	return &twoFactorRepoImpl{pool: db.Pool}
}

// Get returns the enrollment or models.ErrNotFound.
func (r *twoFactorRepoImpl) Get(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	var e models.TwoFactorEnrollment
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, secret_encrypted, secret_nonce, enabled, verified, enrolled_at, verified_at,
			last_used_at, last_used_step, disabled_at, recovery_email, created_at, updated_at
		FROM two_factor_enrollments WHERE user_id = $1`, userID,
	).Scan(
		&e.UserID, &e.SecretEncrypted, &e.SecretNonce, &e.Enabled, &e.Verified, &e.EnrolledAt, &e.VerifiedAt,
		&e.LastUsedAt, &e.LastUsedStep, &e.DisabledAt, &e.RecoveryEmail, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

// SavePending stores a new unverified secret and replaces all backup codes.
// It refuses to overwrite an enabled enrollment.
func (r *twoFactorRepoImpl) SavePending(ctx context.Context, userID string, secretEncrypted, nonce []byte, codeHashes []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		INSERT INTO two_factor_enrollments (user_id, secret_encrypted, secret_nonce, enabled, verified, enrolled_at)
		VALUES ($1, $2, $3, FALSE, FALSE, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			secret_encrypted = EXCLUDED.secret_encrypted,
			secret_nonce = EXCLUDED.secret_nonce,
			verified = FALSE,
			enrolled_at = NOW(),
			verified_at = NULL,
			last_used_at = NULL,
			last_used_step = 0,
			disabled_at = NULL,
			updated_at = NOW()
		WHERE NOT two_factor_enrollments.enabled`,
		userID, secretEncrypted, nonce,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrTwoFactorEnabled
	}

	if err := replaceBackupCodes(ctx, tx, userID, codeHashes); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// Enable completes enrollment. step is the accepted time step.
func (r *twoFactorRepoImpl) Enable(ctx context.Context, userID string, step int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE two_factor_enrollments SET enabled = TRUE, verified = TRUE, verified_at = NOW(),
			last_used_at = NOW(), last_used_step = $2, updated_at = NOW()
		WHERE user_id = $1 AND NOT enabled AND secret_encrypted IS NOT NULL`,
		userID, step,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// RecordUse advances the last used step. It reports false when step is not
// newer than the stored one, which makes concurrent replays lose the race.
func (r *twoFactorRepoImpl) RecordUse(ctx context.Context, userID string, step int64) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE two_factor_enrollments SET last_used_at = NOW(), last_used_step = $2, updated_at = NOW()
		WHERE user_id = $1 AND enabled AND last_used_step < $2`,
		userID, step,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// Disable removes the secret and every backup code.
func (r *twoFactorRepoImpl) Disable(ctx context.Context, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE two_factor_enrollments SET secret_encrypted = NULL, secret_nonce = NULL, enabled = FALSE,
			verified = FALSE, disabled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1`, userID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
		return database.MapPostgresError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *twoFactorRepoImpl) UnusedBackupCodes(ctx context.Context, userID string) ([]models.TwoFactorBackupCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, code_hash, used, used_at, created_at
		FROM two_factor_backup_codes WHERE user_id = $1 AND NOT used
		ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	codes := make([]models.TwoFactorBackupCode, 0, models.BackupCodeCount)
	for rows.Next() {
		var c models.TwoFactorBackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return codes, nil
}

// ConsumeBackupCode marks the code used. Only the first caller gets true.
func (r *twoFactorRepoImpl) ConsumeBackupCode(ctx context.Context, codeID string) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE two_factor_backup_codes SET used = TRUE, used_at = NOW() WHERE id = $1 AND NOT used`, codeID,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *twoFactorRepoImpl) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := replaceBackupCodes(ctx, tx, userID, codeHashes); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func replaceBackupCodes(ctx context.Context, tx pgx.Tx, userID string, codeHashes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
		return database.MapPostgresError(err)
	}
	now := time.Now().UTC()
	rows := make([][]any, len(codeHashes))
	for i, h := range codeHashes {
		rows[i] = []any{uuid.New().String(), userID, h, now}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"two_factor_backup_codes"},
		[]string{"id", "user_id", "code_hash", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}
