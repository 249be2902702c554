package logger

import "strings"

// Redacted replaces sensitive values in logs and audit bodies.
const Redacted = "[REDACTED]"

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	// Mask username: keep first char, mask rest
	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// Mask all but the TLD
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// sensitiveSubstrings redact any field whose normalized name contains them.
// Names are lower-cased with '-' folded to '_'.
var sensitiveSubstrings = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"api_key",
	"apikey",
	"authorization",
	"cookie",
	"csrf",
	"private_key",
}

// sensitiveNames redact only an exact field name. "code" is the one-time
// 2FA code; "role_code" and "codes" on permission grants stay readable.
var sensitiveNames = map[string]bool{
	"code":          true,
	"otp":           true,
	"totp":          true,
	"totp_code":     true,
	"backup_code":   true,
	"backup_codes":  true,
	"recovery_code": true,
}

// IsSensitiveField reports whether a field name is on the redaction denylist.
func IsSensitiveField(name string) bool {
	n := strings.ReplaceAll(strings.ToLower(name), "-", "_")
	if sensitiveNames[n] {
		return true
	}
	for _, s := range sensitiveSubstrings {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	if strings.Contains(query, "email") || strings.Contains(query, "auth") {
		return true
	}
	for _, pair := range strings.Split(query, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if IsSensitiveField(key) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of body with every sensitive field replaced by
// Redacted. Nested objects and arrays are walked; body is not modified.
func RedactFields(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if IsSensitiveField(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactFields(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item)
		}
		return items
	default:
		return v
	}
}
