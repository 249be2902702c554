package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveWithHeaders(env string, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	SecurityHeaders(SecurityHeadersConfig{Env: env})(okHandler()).ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_Common(t *testing.T) {
	rec := serveWithHeaders("development", httptest.NewRequest(http.MethodGet, "/health", nil))

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", apiCSP},
		{"Cross-Origin-Opener-Policy", "same-origin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, rec.Header().Get(tt.header), tt.header)
	}
	assert.NotEmpty(t, rec.Header().Get("Permissions-Policy"))
	assert.Empty(t, rec.Header().Get("Cache-Control"), "non-API paths stay cacheable")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_APINoStore(t *testing.T) {
	rec := serveWithHeaders("development", httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, serveWithHeaders("production", plain).Header().Get("Strict-Transport-Security"))

	proxied := httptest.NewRequest(http.MethodGet, "/", nil)
	proxied.Header.Set("X-Forwarded-Proto", "https")
	assert.Contains(t, serveWithHeaders("production", proxied).Header().Get("Strict-Transport-Security"), "max-age=31536000")

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.TLS = &tls.ConnectionState{}
	assert.NotEmpty(t, serveWithHeaders("production", direct).Header().Get("Strict-Transport-Security"))

	dev := httptest.NewRequest(http.MethodGet, "/", nil)
	dev.Header.Set("X-Forwarded-Proto", "https")
	assert.Empty(t, serveWithHeaders("development", dev).Header().Get("Strict-Transport-Security"))
}
