//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/metrics"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/rbac"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/routes"
	"github.com/BradenHooton/keystone/internal/services"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// LockNotice is a captured lockout notification
type LockNotice struct {
	Username string
	Until    time.Time
}

// RecordingNotifier captures lockout notifications for assertions
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []LockNotice
}

func (n *RecordingNotifier) AccountLocked(ctx context.Context, user *models.User, until time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, LockNotice{Username: user.Username, Until: until})
}

// Notices returns a copy of the captured notifications
func (n *RecordingNotifier) Notices() []LockNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LockNotice(nil), n.notices...)
}

// TestServer wraps httptest.Server with the database and every dependency
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Notifier *RecordingNotifier
	RBAC     *services.RBACService
	Audit    *services.AuditService
}

// NewTestServer wires the full production stack against db. The audit
// backup file lives in a per-test temp directory.
func NewTestServer(t *testing.T, db *database.DB) *TestServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	userRepo := repositories.NewUserRepository(db)
	rbacRepo := repositories.NewRBACRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	registrationRepo := repositories.NewRegistrationRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)

	m := metrics.New(db.Pool)

	backup, err := audit.NewFileBackup(audit.FileBackupOptions{
		Path: filepath.Join(t.TempDir(), "audit-backup.jsonl"),
	})
	require.NoError(t, err)
	pipeline := audit.NewPipeline(auditRepo, backup, logger, audit.WithObserver(m.AuditOutcome))
	auditService := services.NewAuditService(pipeline, auditRepo, logger)

	rbacService := services.NewRBACService(rbacRepo, userRepo, rbac.NewCache(time.Minute), "super_admin", auditService, logger)
	rbacService.SetObserver(m)

	tokenManager, err := auth.NewTokenManager(testJWTSecret, time.Hour)
	require.NoError(t, err)
	totpManager, err := auth.NewTOTPManager(bytes.Repeat([]byte{7}, 32), "KeystoneTest")
	require.NoError(t, err)

	hasher := pkgauth.NewHasher(testBcryptCost)
	policy := pkgauth.DefaultPasswordPolicy()

	twoFactorService := services.NewTwoFactorService(twoFactorRepo, userRepo, totpManager,
		auth.NewThrottle(30, 10), auditService, 5*time.Minute, logger)
	authService := services.NewAuthService(
		userRepo,
		rbacService,
		twoFactorService,
		tokenManager,
		hasher,
		auth.NewTimingDelay(auth.TimingConfig{BaseDelay: time.Millisecond}),
		auditService,
		services.AuthConfig{
			MaxFailedAttempts:   5,
			LockoutDuration:     15 * time.Minute,
			DisclosureThreshold: 3,
			ReauthMaxAge:        5 * time.Minute,
			TokenTTL:            time.Hour,
			Policy:              policy,
		},
		logger,
	)
	authService.SetObserver(m)
	notifier := &RecordingNotifier{}
	authService.SetNotifier(notifier)

	registrationService := services.NewRegistrationService(registrationRepo, userRepo, hasher, policy, rbacService, auditService, logger)
	userService := services.NewUserService(userRepo, rbacService, auditService, logger)

	permissions := auth.NewPermissionMiddleware(rbacService, auditService, logger)
	permissions.OnDeny(m.AccessDenied)

	router := routes.NewRouter(routes.Handlers{
		Auth:         handlers.NewAuthHandler(authService, auth.CookieConfig{}, time.Hour, logger),
		TwoFactor:    handlers.NewTwoFactorHandler(twoFactorService, authService, logger),
		Registration: handlers.NewRegistrationHandler(registrationService, logger),
		RBAC:         handlers.NewRBACHandler(rbacService, logger),
		Audit:        handlers.NewAuditHandler(auditService, logger),
		Users:        handlers.NewUserHandler(userService, logger),
		Health:       handlers.NewHealthHandler(db, auditService, logger),
	}, routes.Options{
		Logger:         logger,
		TokenManager:   tokenManager,
		Permissions:    permissions,
		Metrics:        m,
		TokenFailures:  auditService,
		Env:            "test",
		LoginRateLimit: 1000,
	})

	ts := &TestServer{
		Server:   httptest.NewServer(router),
		DB:       db,
		Notifier: notifier,
		RBAC:     rbacService,
		Audit:    auditService,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes a JSON request to the test server. token may be empty.
func (ts *TestServer) Request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ts.Server.URL+routes.APIPrefix+path, bodyReader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Login posts credentials and decodes the session result.
func (ts *TestServer) Login(t *testing.T, username, password string) (*http.Response, services.LoginResult) {
	t.Helper()
	resp := ts.Request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	var result services.LoginResult
	if resp.StatusCode == http.StatusOK {
		ParseJSONResponse(t, resp, &result)
	}
	return resp, result
}

// ParseJSONResponse decodes and closes the response body
func ParseJSONResponse(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}
