package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/auth"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitByIP_EnforcesLimit(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 3})(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "192.0.2.10:5000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), pkghttp.CodeRateLimited)

	// A different client is unaffected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "192.0.2.11:5000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitByIP_IgnoresSpoofedForwardingHeaders(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	codes := make([]int, 0, 2)
	for _, xff := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "192.0.2.20:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitByIP_TrustedProxy(t *testing.T) {
	ipConfig := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 1, IPConfig: ipConfig})(okHandler())

	for _, xff := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, xff)
	}
}

func TestRateLimitByUser_KeysOnPrincipal(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 2})(okHandler())

	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "192.0.2.30:5000"
		if userID != "" {
			req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{UserID: userID}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("u-1"))
	assert.Equal(t, http.StatusOK, send("u-1"))
	assert.Equal(t, http.StatusTooManyRequests, send("u-1"))

	// Same address, different principal.
	assert.Equal(t, http.StatusOK, send("u-2"))

	// No claims falls back to the address.
	assert.Equal(t, http.StatusOK, send(""))
}
