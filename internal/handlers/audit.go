package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
)

// defaultSecurityWindowDays is used when the security report gets no days.
const defaultSecurityWindowDays = 7

// AuditServiceInterface is the read and recovery side of the audit service.
type AuditServiceInterface interface {
	Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error)
	SecurityEvents(ctx context.Context, window time.Duration, page, pageSize int) (*models.Page[*models.AuditLog], error)
	LoginHistory(ctx context.Context, userID string, page, pageSize int) (*models.Page[*models.LoginHistory], error)
	BackupStatus() (audit.BackupStatus, error)
	RecoverBackup(ctx context.Context, actor *auth.Claims) audit.RecoveryReport
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	service AuditServiceInterface
	logger  *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditServiceInterface, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{service: service, logger: logger}
}

// Query lists audit entries filtered by user_id, action_type, module,
// status, from, to (RFC 3339) and search.
// @Router /audit/logs [get]
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.AuditQuery{
		UserID:     q.Get("user_id"),
		ActionType: q.Get("action_type"),
		Module:     q.Get("module"),
		Status:     q.Get("status"),
		Search:     q.Get("search"),
	}
	query.Page, query.PageSize = pageParams(r)

	if query.ActionType != "" && !models.IsValidActionType(query.ActionType) {
		pkghttp.WriteValidationFailed(w, "unknown action type", "action_type")
		return
	}
	var err error
	if query.From, err = timeParam(r, "from"); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if query.To, err = timeParam(r, "to"); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	page, err := h.service.Query(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, page)
}

// SecurityEvents lists security-relevant entries from the last days days.
// @Router /audit/security-events [get]
func (h *AuditHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	days := defaultSecurityWindowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			pkghttp.WriteValidationFailed(w, "days must be between 1 and 365", "days")
			return
		}
		days = n
	}
	page, size := pageParams(r)

	result, err := h.service.SecurityEvents(r.Context(), time.Duration(days)*24*time.Hour, page, size)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// MyLoginHistory returns the caller's own login attempts.
// @Router /auth/login-history [get]
func (h *AuditHandler) MyLoginHistory(w http.ResponseWriter, r *http.Request) {
	claims := callerOrUnauthorized(w, r)
	if claims == nil {
		return
	}
	h.loginHistory(w, r, claims.UserID)
}

// UserLoginHistory returns another principal's login attempts.
// @Router /audit/login-history/{id} [get]
func (h *AuditHandler) UserLoginHistory(w http.ResponseWriter, r *http.Request) {
	h.loginHistory(w, r, chi.URLParam(r, "id"))
}

func (h *AuditHandler) loginHistory(w http.ResponseWriter, r *http.Request, userID string) {
	page, size := pageParams(r)
	result, err := h.service.LoginHistory(r.Context(), userID, page, size)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// BackupStatus reports pending and malformed lines in the backup file.
// @Router /audit/backup [get]
func (h *AuditHandler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.BackupStatus()
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Recover replays pending backup lines into the primary store.
// @Router /audit/backup/recover [post]
func (h *AuditHandler) Recover(w http.ResponseWriter, r *http.Request) {
	report := h.service.RecoverBackup(r.Context(), auth.GetUserFromContext(r))
	if report.Errors == nil {
		report.Errors = []string{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, models.NewValidationError(name, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}
