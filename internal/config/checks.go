package config

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Severity of a deployment finding
const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

// Finding is one deployment posture issue.
type Finding struct {
	Severity string `json:"severity"`
	Key      string `json:"key"`
	Message  string `json:"message"`
}

// DeploymentChecks inspects a loaded configuration for insecure posture.
// Findings that would be tolerable in development are blocking in
// production.
func DeploymentChecks(cfg *Config) []Finding {
	var findings []Finding
	prod := cfg.Server.Env == EnvProduction

	add := func(blockingInProd bool, key, msg string) {
		sev := SeverityWarning
		if blockingInProd && prod {
			sev = SeverityBlocking
		}
		findings = append(findings, Finding{Severity: sev, Key: key, Message: msg})
	}

	if cfg.Auth.EphemeralSecret {
		add(true, "JWT_SECRET", "signing secret is ephemeral; tokens die with this process and other backends cannot verify them")
	}
	if cfg.TwoFactor.EphemeralKey {
		add(true, "TOTP_ENCRYPTION_KEY", "two-factor secrets are encrypted with an ephemeral key and become unreadable after restart")
	}
	if cfg.Database.SSLMode == "disable" {
		add(true, "DB_SSLMODE", "database connections are not encrypted")
	}
	if !cfg.Auth.CookieSecure {
		add(true, "COOKIE_SECURE", "access_token cookie is sent without the Secure attribute")
	}
	if cfg.Auth.BcryptCost < 12 {
		add(true, "BCRYPT_COST", fmt.Sprintf("bcrypt cost %d is below 12", cfg.Auth.BcryptCost))
	}
	if cfg.Audit.BackupPath == "" {
		findings = append(findings, Finding{Severity: SeverityBlocking, Key: "AUDIT_BACKUP_PATH", Message: "audit backup file is not configured"})
	}
	if cfg.RBAC.RedisURL == "" {
		add(false, "RBAC_REDIS_URL", "permission cache invalidation is local to each instance; other instances serve stale entries until TTL")
	}
	if cfg.RBAC.CacheTTL > 15*time.Minute {
		add(false, "RBAC_CACHE_TTL", "permission cache TTL is longer than 15 minutes")
	}
	if !cfg.Email.Enabled {
		add(false, "EMAIL_ENABLED", "notification email is disabled")
	}

	return findings
}

// HasBlocking reports whether any finding is blocking.
func HasBlocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
