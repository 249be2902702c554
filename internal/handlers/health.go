package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// Pinger checks the primary store.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// BackupReporter reports on the audit backup tier.
type BackupReporter interface {
	BackupStatus() (audit.BackupStatus, error)
}

// HealthHandler serves the liveness and readiness probe.
type HealthHandler struct {
	db     Pinger
	backup BackupReporter
	logger *slog.Logger
}

// NewHealthHandler creates a new HealthHandler. backup may be nil.
func NewHealthHandler(db Pinger, backup BackupReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, backup: backup, logger: logger}
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status             string `json:"status"`
	Database           string `json:"database"`
	AuditBackupPending int    `json:"audit_backup_pending"`
}

// Health reports "ok" when the database answers and "degraded" otherwise.
// Audit entries parked in the backup file are reported but do not fail the
// probe.
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok"}
	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "health check: database unreachable", slog.Any("error", err))
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}
	if h.backup != nil {
		if status, err := h.backup.BackupStatus(); err == nil {
			resp.AuditBackupPending = status.Pending
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	pkghttp.WriteJSON(w, code, resp)
}
