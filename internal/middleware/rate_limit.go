package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig // decides which forwarding headers are trusted
}

// DefaultAuthRateLimit returns the limit for credential endpoints
// (login, 2FA completion, registration).
func DefaultAuthRateLimit(ipConfig *pkghttp.IPConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		IPConfig:          ipConfig,
	}
}

// RateLimitByIP limits requests per client address. Forwarding headers are
// honoured only from trusted proxies.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(writeRateLimited),
	)
}

// RateLimitByUser limits authenticated requests per principal, falling
// back to the client address when no claims are present.
func RateLimitByUser(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetUserFromContext(r); claims != nil && claims.UserID != "" {
				return "user:" + claims.UserID, nil
			}
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(writeRateLimited),
	)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "rate limit exceeded")
}
