package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BradenHooton/keystone/internal/auth"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// DefaultCORSConfig allows only the configured origins. An empty list
// disables cross-origin access entirely.
func DefaultCORSConfig(origins []string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}
}

func (c *CORSConfig) allows(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// CORS returns a CORS middleware handler. Credentials are allowed because
// browsers carry the access_token cookie.
func CORS(config *CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && config.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginGuard rejects state-changing requests that authenticate with the
// access_token cookie but come from a foreign origin. Bearer-token requests
// are not affected since browsers never attach them on their own.
func OriginGuard(config *CORSConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) || !usesTokenCookie(r) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				if ref, err := url.Parse(r.Referer()); err == nil && ref.Host != "" {
					origin = ref.Scheme + "://" + ref.Host
				}
			}
			if origin == "" || sameHost(origin, r.Host) || config.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			logger.WarnContext(r.Context(), "cross-origin cookie request rejected",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("origin", origin))
			pkghttp.WriteForbidden(w, "cross-origin request rejected")
		})
	}
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func usesTokenCookie(r *http.Request) bool {
	c, err := r.Cookie(auth.AccessTokenCookie)
	return err == nil && c.Value != ""
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, host)
}
