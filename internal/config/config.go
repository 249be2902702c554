package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	TwoFactor TwoFactorConfig
	RBAC      RBACConfig
	Audit     AuditConfig
	Email     EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	MigrateOnStart    bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	AllowedOrigins []string // browser origins allowed to call the API with credentials
	LoginRateLimit int      // requests per minute per IP on credential endpoints
}

type AuthConfig struct {
	JWTSecret       string
	EphemeralSecret bool // generated at startup, development only
	TokenTTL        time.Duration
	CookieSecure    bool
	BcryptCost      int

	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	DisclosureThreshold int // remaining attempts at or below this are disclosed

	TimingBaseDelayMs   int
	TimingRandomDelayMs int
	ReauthMaxAge        time.Duration

	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireDigit   bool
	PasswordRequireSpecial bool
	PasswordHistorySize    int
	PasswordMaxAge         time.Duration

	BootstrapAdminUsername string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

type TwoFactorConfig struct {
	EncryptionKey   []byte // 32 bytes, AES-256
	EphemeralKey    bool
	Issuer          string
	VerifyPerMinute int
	VerifyBurst     int
}

type RBACConfig struct {
	CacheTTL            time.Duration
	TopRole             string
	RedisURL            string
	InvalidationChannel string
}

type AuditConfig struct {
	BackupPath       string
	BackupMaxBytes   int64
	BackupMaxFiles   int
	RecoveryInterval time.Duration
}

type EmailConfig struct {
	Enabled bool
	Region  string
	Sender  string
}

// ConfigurationError reports a missing or unsafe setting. It unwraps to
// models.ErrConfiguration.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return models.ErrConfiguration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", EnvDevelopment)

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "keystone"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			MigrateOnStart:    getEnvAsBool("MIGRATE_ON_START", false),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
			LoginRateLimit: getEnvAsInt("LOGIN_RATE_LIMIT", 10),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("JWT_SECRET", ""),
			TokenTTL:               getEnvAsDuration("TOKEN_TTL", 8*time.Hour),
			CookieSecure:           getEnvAsBool("COOKIE_SECURE", env == EnvProduction),
			BcryptCost:             getEnvAsInt("BCRYPT_COST", pkgauth.BcryptCost),
			MaxFailedAttempts:      getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutDuration:        getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			DisclosureThreshold:    getEnvAsInt("LOCKOUT_DISCLOSE_REMAINING", 3),
			TimingBaseDelayMs:      getEnvAsInt("AUTH_FAILURE_BASE_DELAY_MS", 250),
			TimingRandomDelayMs:    getEnvAsInt("AUTH_FAILURE_RANDOM_DELAY_MS", 250),
			ReauthMaxAge:           getEnvAsDuration("REAUTH_MAX_AGE", 5*time.Minute),
			PasswordMinLength:      getEnvAsInt("PASSWORD_MIN_LENGTH", pkgauth.MinPasswordLen),
			PasswordRequireUpper:   getEnvAsBool("PASSWORD_REQUIRE_UPPER", true),
			PasswordRequireLower:   getEnvAsBool("PASSWORD_REQUIRE_LOWER", true),
			PasswordRequireDigit:   getEnvAsBool("PASSWORD_REQUIRE_DIGIT", true),
			PasswordRequireSpecial: getEnvAsBool("PASSWORD_REQUIRE_SPECIAL", true),
			PasswordHistorySize:    getEnvAsInt("PASSWORD_HISTORY_SIZE", 5),
			PasswordMaxAge:         getEnvAsDuration("PASSWORD_MAX_AGE", 90*24*time.Hour),
			BootstrapAdminUsername: getEnv("BOOTSTRAP_ADMIN_USERNAME", ""),
			BootstrapAdminEmail:    getEnv("BOOTSTRAP_ADMIN_EMAIL", ""),
			BootstrapAdminPassword: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TOTP_ISSUER", "Keystone"),
			VerifyPerMinute: getEnvAsInt("TWO_FACTOR_VERIFY_PER_MINUTE", 5),
			VerifyBurst:     getEnvAsInt("TWO_FACTOR_VERIFY_BURST", 5),
		},
		RBAC: RBACConfig{
			CacheTTL:            getEnvAsDuration("RBAC_CACHE_TTL", 5*time.Minute),
			TopRole:             getEnv("RBAC_TOP_ROLE", "super_admin"),
			RedisURL:            getEnv("RBAC_REDIS_URL", ""),
			InvalidationChannel: getEnv("RBAC_INVALIDATION_CHANNEL", "keystone:rbac:invalidate"),
		},
		Audit: AuditConfig{
			BackupPath:       getEnv("AUDIT_BACKUP_PATH", "./data/audit-backup.ndjson"),
			BackupMaxBytes:   int64(getEnvAsInt("AUDIT_BACKUP_MAX_BYTES", 10<<20)),
			BackupMaxFiles:   getEnvAsInt("AUDIT_BACKUP_MAX_FILES", 5),
			RecoveryInterval: getEnvAsDuration("AUDIT_RECOVERY_INTERVAL", 5*time.Minute),
		},
		Email: EmailConfig{
			Enabled: getEnvAsBool("EMAIL_ENABLED", false),
			Region:  getEnv("AWS_REGION", "us-east-1"),
			Sender:  getEnv("EMAIL_SENDER", ""),
		},
	}

	if err := loadSigningSecret(cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Password == "" && env != EnvDevelopment {
		return nil, &ConfigurationError{Key: "DB_PASSWORD", Reason: "is required outside development"}
	}

	if err := loadTOTPKey(cfg); err != nil {
		return nil, err
	}

	if cfg.Email.Enabled && cfg.Email.Sender == "" {
		return nil, &ConfigurationError{Key: "EMAIL_SENDER", Reason: "is required when EMAIL_ENABLED=true"}
	}

	return cfg, nil
}

// loadSigningSecret never falls back to a compiled-in value. The only
// escape hatch is an explicitly requested per-process secret in development.
func loadSigningSecret(cfg *Config) error {
	env := cfg.Server.Env
	if cfg.Auth.JWTSecret == "" {
		if env == EnvDevelopment && getEnvAsBool("ALLOW_EPHEMERAL_DEV_SECRET", false) {
			secret, err := pkgauth.RandomSecret(48)
			if err != nil {
				return &ConfigurationError{Key: "JWT_SECRET", Reason: "could not generate ephemeral secret"}
			}
			cfg.Auth.JWTSecret = secret
			cfg.Auth.EphemeralSecret = true
			return nil
		}
		return &ConfigurationError{Key: "JWT_SECRET", Reason: "is required"}
	}
	return validateJWTSecret(cfg.Auth.JWTSecret, env)
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env != EnvDevelopment {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return &ConfigurationError{
			Key:    "JWT_SECRET",
			Reason: fmt.Sprintf("must be at least %d characters in %s environment (got %d)", minLength, env, len(secret)),
		}
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak || strings.Repeat(weak, len(secretLower)/max(len(weak), 1)) == secretLower {
			return &ConfigurationError{Key: "JWT_SECRET", Reason: "cannot be a common weak value"}
		}
	}

	return nil
}

func loadTOTPKey(cfg *Config) error {
	raw := getEnv("TOTP_ENCRYPTION_KEY", "")
	if raw == "" {
		if cfg.Server.Env != EnvDevelopment {
			return &ConfigurationError{Key: "TOTP_ENCRYPTION_KEY", Reason: "is required outside development"}
		}
		key, err := randomBytes(32)
		if err != nil {
			return &ConfigurationError{Key: "TOTP_ENCRYPTION_KEY", Reason: "could not generate ephemeral key"}
		}
		cfg.TwoFactor.EncryptionKey = key
		cfg.TwoFactor.EphemeralKey = true
		return nil
	}

	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return &ConfigurationError{Key: "TOTP_ENCRYPTION_KEY", Reason: "must be 64 hex characters"}
	}
	cfg.TwoFactor.EncryptionKey = key
	return nil
}

// PasswordPolicy builds the policy enforced on password changes and
// registration.
func (c *AuthConfig) PasswordPolicy() pkgauth.PasswordPolicy {
	return pkgauth.PasswordPolicy{
		MinLength:      c.PasswordMinLength,
		RequireUpper:   c.PasswordRequireUpper,
		RequireLower:   c.PasswordRequireLower,
		RequireDigit:   c.PasswordRequireDigit,
		RequireSpecial: c.PasswordRequireSpecial,
		HistorySize:    c.PasswordHistorySize,
		MaxAge:         c.PasswordMaxAge,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
