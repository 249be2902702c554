package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/BradenHooton/keystone/internal/audit"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
)

// maxCapturedBody bounds how much of a JSON body is kept for the audit log.
const maxCapturedBody = 64 << 10

// RequestMeta captures the caller address, user agent, method, path and the
// redacted JSON body once per request and attaches them to the context for
// the audit service. The body is restored for the handler.
func RequestMeta(ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua := r.Header.Get("User-Agent")
			meta := audit.RequestMeta{
				IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent: ua,
				Device:    audit.ParseUserAgent(ua),
				Method:    r.Method,
				Path:      r.URL.Path,
			}
			if hasJSONBody(r) {
				meta.Body = captureBody(r)
			}
			next.ServeHTTP(w, r.WithContext(audit.WithRequestMeta(r.Context(), meta)))
		})
	}
}

func hasJSONBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	return r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

// captureBody reads up to maxCapturedBody bytes and puts them back in front
// of the unread remainder. Bodies that are not a JSON object are skipped.
func captureBody(r *http.Request) map[string]any {
	head, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil || len(head) == 0 || len(head) > maxCapturedBody {
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(head, &body); err != nil {
		return nil
	}
	return pkglogger.RedactFields(body)
}
