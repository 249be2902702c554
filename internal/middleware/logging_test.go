package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/auth"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, handler http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	SecureLogger(logger)(handler).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestSecureLogger_RedactsSensitiveQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/sso?token=abc123", nil)
	entry := captureLog(t, okHandler(), req)

	assert.Equal(t, "/api/v1/auth/sso?"+pkglogger.Redacted, entry["path"])
	assert.NotContains(t, entry["path"], "abc123")
	assert.Equal(t, "INFO", entry["level"])
}

func TestSecureLogger_KeepsHarmlessQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?page=2", nil)
	entry := captureLog(t, okHandler(), req)
	assert.Equal(t, "/api/v1/audit?page=2", entry["path"])
}

func TestSecureLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusForbidden, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		entry := captureLog(t, handler, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, tt.level, entry["level"], "status %d", tt.status)
		assert.EqualValues(t, tt.status, entry["status"])
	}
}

func TestSecureLogger_RecordsPrincipal(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{UserID: "u-42"}))
		CaptureClaims(okHandler()).ServeHTTP(w, r)
	})
	entry := captureLog(t, inner, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))

	assert.Equal(t, "u-42", entry["user_id"])
	assert.Contains(t, entry, "remote_addr")
}
