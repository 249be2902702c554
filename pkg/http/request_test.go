package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP_DirectConnection_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	// Spoofed by the client
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.Header.Set("X-Real-IP", "192.168.1.1")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8", "172.16.0.0/12", "127.0.0.1/32"})

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_UsesXForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.5")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "203.0.113.42", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_FallsBackToXRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "garbage, also-garbage")
	req.Header.Set("X-Real-IP", "198.51.100.7")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "198.51.100.7", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_IPv6_TrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[fd00::1]:443"
	req.Header.Set("X-Forwarded-For", "2001:db8::42")

	config := pkghttp.NewIPConfig([]string{"fd00::/8"})

	assert.Equal(t, "2001:db8::42", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_NilConfigAndInvalidCIDR(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.42")

	assert.Equal(t, "10.0.0.5", pkghttp.ExtractClientIP(req, nil))
	assert.Equal(t, "10.0.0.5", pkghttp.ExtractClientIP(req, pkghttp.NewIPConfig([]string{"not-a-cidr"})))
}

func TestExtractClientIP_RemoteAddrWithoutPort(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1"
	assert.Equal(t, "192.0.2.1", pkghttp.ExtractClientIP(req, nil))
}
