package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestCORS_AllowedOrigin(t *testing.T) {
	handler := CORS(DefaultCORSConfig([]string{"https://console.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORS_UnknownOriginGetsNoGrant(t *testing.T) {
	handler := CORS(DefaultCORSConfig(nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_Preflight(t *testing.T) {
	handler := CORS(DefaultCORSConfig([]string{"https://console.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rbac/roles", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestOriginGuard(t *testing.T) {
	guard := OriginGuard(DefaultCORSConfig([]string{"https://console.example.com"}), slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler := guard(okHandler())

	tests := []struct {
		name    string
		method  string
		cookie  bool
		origin  string
		referer string
		want    int
	}{
		{"safe method", http.MethodGet, true, "https://evil.example", "", http.StatusOK},
		{"bearer request", http.MethodPost, false, "https://evil.example", "", http.StatusOK},
		{"same host", http.MethodPost, true, "http://example.com", "", http.StatusOK},
		{"allowed origin", http.MethodPost, true, "https://console.example.com", "", http.StatusOK},
		{"no origin information", http.MethodPost, true, "", "", http.StatusOK},
		{"foreign origin", http.MethodPost, true, "https://evil.example", "", http.StatusForbidden},
		{"foreign referer", http.MethodDelete, true, "", "https://evil.example/page", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.com/api/v1/auth/logout", nil)
			if tt.cookie {
				req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: "tok"})
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
