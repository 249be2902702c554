package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(ctx context.Context) error { return p.err }

type fakeBackup struct{ pending int }

func (b fakeBackup) BackupStatus() (audit.BackupStatus, error) {
	return audit.BackupStatus{Pending: b.pending}, nil
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		db     error
		backup handlers.BackupReporter
		status int
		body   string
	}{
		{"healthy", nil, nil, http.StatusOK, `{"status":"ok","database":"ok","audit_backup_pending":0}`},
		{"pending backup does not fail the probe", nil, fakeBackup{pending: 12}, http.StatusOK,
			`{"status":"ok","database":"ok","audit_backup_pending":12}`},
		{"database down", errors.New("connection refused"), fakeBackup{pending: 2}, http.StatusServiceUnavailable,
			`{"status":"degraded","database":"unreachable","audit_backup_pending":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handlers.NewHealthHandler(fakePinger{err: tt.db}, tt.backup, discardLogger()).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assertJSONResponse(t, w, tt.status, nil)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}
