package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BradenHooton/keystone/internal/audit"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMeta_CapturesAndRestoresBody(t *testing.T) {
	var (
		meta    audit.RequestMeta
		present bool
		body    string
	)
	handler := RequestMeta(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, present = audit.RequestMetaFrom(r.Context())
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body = string(raw)
	}))

	payload := `{"username":"ada","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	req.RemoteAddr = "192.0.2.50:4000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, present)
	assert.Equal(t, payload, body, "handler still sees the full body")
	assert.Equal(t, "192.0.2.50", meta.IPAddress)
	assert.Equal(t, http.MethodPost, meta.Method)
	assert.Equal(t, "/api/v1/auth/login", meta.Path)
	assert.Equal(t, "desktop", meta.Device.Type)
	assert.Equal(t, "ada", meta.Body["username"])
	assert.Equal(t, pkglogger.Redacted, meta.Body["password"])
}

func TestRequestMeta_SkipsNonJSON(t *testing.T) {
	var meta audit.RequestMeta
	handler := RequestMeta(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ = audit.RequestMetaFrom(r.Context())
	}))

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
	}{
		{"get request", http.MethodGet, "application/json", `{"a":1}`},
		{"form body", http.MethodPost, "application/x-www-form-urlencoded", "a=1"},
		{"json array", http.MethodPost, "application/json", `[1,2]`},
		{"malformed json", http.MethodPost, "application/json", `{"a":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/x", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			handler.ServeHTTP(httptest.NewRecorder(), req)
			assert.Nil(t, meta.Body)
			assert.Equal(t, "unknown", meta.Device.Type)
		})
	}
}

func TestRequestMeta_OversizedBodyPassesThrough(t *testing.T) {
	var got int
	handler := RequestMeta(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ := audit.RequestMetaFrom(r.Context())
		assert.Nil(t, meta.Body)
		raw, _ := io.ReadAll(r.Body)
		got = len(raw)
	}))

	payload := `{"blob":"` + strings.Repeat("x", maxCapturedBody) + `"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/x", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, len(payload), got)
}
