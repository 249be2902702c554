package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
)

// SecureLogger returns a middleware for logging HTTP requests with sensitive data redaction
func SecureLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// Claims are attached further down the chain, so read them
			// through a holder the auth middleware fills in.
			holder := &claimsHolder{}
			next.ServeHTTP(wrapped, r.WithContext(withClaimsHolder(r.Context(), holder)))

			path := r.URL.Path
			if pkglogger.SanitizeQueryString(r.URL.RawQuery) {
				path = path + "?" + pkglogger.Redacted
			} else if r.URL.RawQuery != "" {
				path = r.URL.Path + "?" + r.URL.RawQuery
			}

			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int64("bytes", int64(wrapped.BytesWritten())),
				slog.String("duration", time.Since(start).String()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			}
			if meta, ok := audit.RequestMetaFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("client_ip", meta.IPAddress))
			} else {
				attrs = append(attrs, slog.String("remote_addr", r.RemoteAddr))
			}
			if holder.claims != nil {
				attrs = append(attrs, slog.String("user_id", holder.claims.UserID))
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}

// CaptureClaims copies the verified claims into the logger's holder. Mount
// it right after auth.AuthMiddleware.
func CaptureClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := claimsHolderFrom(r.Context()); h != nil {
			h.claims = auth.GetUserFromContext(r)
		}
		next.ServeHTTP(w, r)
	})
}

type claimsHolder struct {
	claims *auth.Claims
}

type holderKey struct{}

func withClaimsHolder(ctx context.Context, h *claimsHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

func claimsHolderFrom(ctx context.Context) *claimsHolder {
	h, _ := ctx.Value(holderKey{}).(*claimsHolder)
	return h
}
