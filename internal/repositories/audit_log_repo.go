package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// AuditLogRepository is the primary audit store. Writes are idempotent on
// the entry id so a backup replay never duplicates a row.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditColumns = `id, user_id, username, action_type, resource_type, resource_id, description,
	ip_address, user_agent, device_type, browser, os, request_method, request_path, request_body,
	status, error_message, module, created_at`

const loginColumns = `id, user_id, username, login_at, ip_address, user_agent, device_type, browser, os,
	success, failure_reason, mechanism, token_hash, is_current, logout_at, session_seconds`

// scanAuditLogRow populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog
	err := row.Scan(
		&log.ID, &log.UserID, &log.Username, &log.ActionType, &log.ResourceType, &log.ResourceID,
		&log.Description, &log.IPAddress, &log.UserAgent, &log.DeviceType, &log.Browser, &log.OS,
		&log.RequestMethod, &log.RequestPath, &log.RequestBody,
		&log.Status, &log.ErrorMessage, &log.Module, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return logs, nil
}

func scanLoginRow(row rowScanner) (*models.LoginHistory, error) {
	var h models.LoginHistory
	err := row.Scan(
		&h.ID, &h.UserID, &h.Username, &h.LoginAt, &h.IPAddress, &h.UserAgent, &h.DeviceType,
		&h.Browser, &h.OS, &h.Success, &h.FailureReason, &h.Mechanism, &h.TokenHash,
		&h.IsCurrent, &h.LogoutAt, &h.SessionSeconds,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &h, nil
}

// WriteAudit inserts entry unless a row with its id already exists.
func (r *AuditLogRepository) WriteAudit(ctx context.Context, e *models.AuditLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.Username, e.ActionType, e.ResourceType, e.ResourceID, e.Description,
		e.IPAddress, e.UserAgent, e.DeviceType, e.Browser, e.OS, e.RequestMethod, e.RequestPath,
		e.RequestBody, e.Status, e.ErrorMessage, e.Module, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", database.MapPostgresError(err))
	}
	return nil
}

// WriteLogin inserts a login history row unless its id already exists.
func (r *AuditLogRepository) WriteLogin(ctx context.Context, h *models.LoginHistory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO login_history (`+loginColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		h.ID, h.UserID, h.Username, h.LoginAt, h.IPAddress, h.UserAgent, h.DeviceType,
		h.Browser, h.OS, h.Success, h.FailureReason, h.Mechanism, h.TokenHash,
		h.IsCurrent, h.LogoutAt, h.SessionSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to write login history: %w", database.MapPostgresError(err))
	}
	return nil
}

// Query returns one page of audit entries, newest first.
func (r *AuditLogRepository) Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.ActionType != "" {
		add("action_type = $%d", q.ActionType)
	}
	if q.Module != "" {
		add("module = $%d", q.Module)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at < $%d", *q.To)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(description ILIKE $%d OR username ILIKE $%d OR resource_id ILIKE $%d OR request_path ILIKE $%d)", n, n, n, n))
	}

	return r.pageAudit(ctx, where, args, q.Page, q.PageSize)
}

// SecurityEvents returns security-relevant entries created at or after since.
func (r *AuditLogRepository) SecurityEvents(ctx context.Context, since time.Time, page, pageSize int) (*models.Page[*models.AuditLog], error) {
	where := []string{"action_type = ANY($1)", "created_at >= $2"}
	args := []any{pq.Array(models.SecurityActionTypes), since}
	return r.pageAudit(ctx, where, args, page, pageSize)
}

func (r *AuditLogRepository) pageAudit(ctx context.Context, where []string, args []any, page, size int) (*models.Page[*models.AuditLog], error) {
	page, size = models.Normalize(page, size)
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+clause, args...).Scan(&total); err != nil {
		return nil, database.MapPostgresError(err)
	}

	args = append(args, size, models.Offset(page, size))
	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	logs, err := scanAuditLogRows(rows)
	if err != nil {
		return nil, err
	}
	return &models.Page[*models.AuditLog]{Items: logs, Total: total, Page: page, PageSize: size}, nil
}

// LoginHistory returns one page of a user's logins, newest first.
func (r *AuditLogRepository) LoginHistory(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error) {
	page, size = models.Normalize(page, size)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM login_history WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, database.MapPostgresError(err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+loginColumns+` FROM login_history WHERE user_id = $1 ORDER BY login_at DESC LIMIT $2 OFFSET $3`,
		userID, size, models.Offset(page, size),
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	items := make([]*models.LoginHistory, 0)
	for rows.Next() {
		h, err := scanLoginRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login history: %w", err)
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &models.Page[*models.LoginHistory]{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// MarkLogout ends the current session holding tokenHash. It returns the
// number of sessions closed.
func (r *AuditLogRepository) MarkLogout(ctx context.Context, tokenHash string, at time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE login_history SET is_current = FALSE, logout_at = $2,
			session_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - login_at)))::BIGINT
		WHERE token_hash = $1 AND is_current`,
		tokenHash, at,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
