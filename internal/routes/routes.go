package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/metrics"
	"github.com/BradenHooton/keystone/internal/middleware"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// APIPrefix is where every JSON endpoint is mounted.
const APIPrefix = "/api/v1"

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	Auth         *handlers.AuthHandler
	TwoFactor    *handlers.TwoFactorHandler
	Registration *handlers.RegistrationHandler
	RBAC         *handlers.RBACHandler
	Audit        *handlers.AuditHandler
	Users        *handlers.UserHandler
	Health       *handlers.HealthHandler
}

// Options carries the shared middleware dependencies.
type Options struct {
	Logger       *slog.Logger
	TokenManager *auth.TokenManager
	Permissions  *auth.PermissionMiddleware
	Metrics      *metrics.Metrics // optional
	CORS         *middleware.CORSConfig
	IPConfig     *pkghttp.IPConfig
	Env          string

	// TokenFailures audits rejected tokens. Optional.
	TokenFailures auth.TokenFailureRecorder

	// LoginRateLimit is requests per minute per client address on the
	// credential endpoints. Zero uses the default.
	LoginRateLimit int
	// RequestTimeout bounds every request. Zero uses 60s.
	RequestTimeout time.Duration
}

// NewRouter builds the full middleware chain and mounts every route.
func NewRouter(h Handlers, opts Options) http.Handler {
	if opts.CORS == nil {
		opts.CORS = middleware.DefaultCORSConfig(nil)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(middleware.RequestMeta(opts.IPConfig))
	router.Use(middleware.SecureLogger(opts.Logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: opts.Env}))
	router.Use(middleware.CORS(opts.CORS))
	router.Use(middleware.OriginGuard(opts.CORS, opts.Logger))
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware)
	}
	router.Use(chimiddleware.Timeout(opts.RequestTimeout))

	if h.Health != nil {
		router.Get("/health", h.Health.Health)
	}
	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	router.Route(APIPrefix, func(r chi.Router) {
		RegisterRoutes(r, h, opts)
	})
	return router
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, opts Options) {
	// Rate limiting config for credential endpoints
	rateLimitConfig := middleware.DefaultAuthRateLimit(opts.IPConfig)
	if opts.LoginRateLimit > 0 {
		rateLimitConfig.RequestsPerMinute = opts.LoginRateLimit
	}
	limited := router.With(middleware.RateLimitByIP(rateLimitConfig))
	perm := opts.Permissions

	// Public routes - no authentication required
	limited.Post("/auth/login", h.Auth.Login)
	limited.Post("/auth/2fa/complete", h.Auth.CompleteTwoFactor)
	limited.Post("/auth/sso/exchange", h.Auth.ExchangeSSO)
	limited.Post("/auth/register", h.Registration.Submit)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(opts.TokenManager, opts.TokenFailures))
		r.Use(middleware.CaptureClaims)

		// Any authenticated principal
		r.Post("/auth/logout", h.Auth.Logout)
		r.Get("/auth/me", h.Auth.Me)
		r.Post("/auth/password", h.Auth.ChangePassword)
		r.Post("/auth/sso", h.Auth.IssueSSO)
		r.Get("/auth/login-history", h.Audit.MyLoginHistory)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByUser(rateLimitConfig))
			r.Get("/auth/2fa", h.TwoFactor.Status)
			r.Post("/auth/2fa/setup", h.TwoFactor.Setup)
			r.Post("/auth/2fa/enable", h.TwoFactor.Enable)
			r.Post("/auth/2fa/disable", h.TwoFactor.Disable)
			r.Post("/auth/2fa/backup-codes", h.TwoFactor.RegenerateBackupCodes)
		})

		r.Get("/rbac/me", h.RBAC.MyPermissions)
		r.Post("/rbac/check", h.RBAC.Check)
		r.Get("/rbac/data-filter", h.RBAC.DataFilter)
		r.Get("/rbac/menus", h.RBAC.Menus)

		// Role and permission administration
		r.Group(func(r chi.Router) {
			r.Use(perm.RequirePermission(services.PermRoleRead))
			r.Get("/rbac/roles", h.RBAC.ListRoles)
			r.Get("/rbac/roles/{code}", h.RBAC.GetRole)
			r.Get("/rbac/permissions", h.RBAC.ListPermissions)
			r.Get("/rbac/users/{id}/roles", h.RBAC.UserRoles)
			r.Get("/rbac/data-rules", h.RBAC.ListDataRules)
		})
		r.Group(func(r chi.Router) {
			r.Use(perm.RequirePermission(services.PermRoleManage))
			r.Post("/rbac/roles", h.RBAC.CreateRole)
			r.Put("/rbac/roles/{code}", h.RBAC.UpdateRole)
			r.Delete("/rbac/roles/{code}", h.RBAC.DeactivateRole)
			r.Put("/rbac/roles/{code}/permissions", h.RBAC.SetRolePermissions)
			r.Put("/rbac/roles/{code}/menus", h.RBAC.SetRoleMenus)
			r.Post("/rbac/permissions", h.RBAC.CreatePermission)
			r.Post("/rbac/users/{id}/roles", h.RBAC.AssignRole)
			r.Delete("/rbac/users/{id}/roles/{role}", h.RBAC.RemoveRole)
			r.Post("/rbac/data-rules", h.RBAC.CreateDataRule)
			r.Delete("/rbac/data-rules/{id}", h.RBAC.DeleteDataRule)
			r.Post("/rbac/cache/clear", h.RBAC.ClearCache)
		})

		// Audit
		r.Group(func(r chi.Router) {
			r.Use(perm.RequirePermission(services.PermAuditRead))
			r.Get("/audit/logs", h.Audit.Query)
			r.Get("/audit/security-events", h.Audit.SecurityEvents)
			r.Get("/audit/login-history/{id}", h.Audit.UserLoginHistory)
			r.Get("/audit/backup", h.Audit.BackupStatus)
		})
		r.With(perm.RequirePermission(services.PermAuditRecover)).
			Post("/audit/backup/recover", h.Audit.Recover)

		// Registration review
		r.Group(func(r chi.Router) {
			r.Use(perm.RequirePermission(services.PermRegistrationApprove))
			r.Get("/registrations", h.Registration.List)
			r.Get("/registrations/{id}", h.Registration.Get)
			r.Post("/registrations/{id}/approve", h.Registration.Approve)
			r.Post("/registrations/{id}/reject", h.Registration.Reject)
		})

		// Principal administration
		r.Group(func(r chi.Router) {
			r.Use(perm.RequirePermission(services.PermUserManage))
			r.Get("/users", h.Users.ListUsers)
			r.Get("/users/{id}", h.Users.GetUser)
			r.Put("/users/{id}/active", h.Users.SetActive)
			r.Post("/users/{id}/unlock", h.Users.Unlock)
			r.Put("/users/{id}/role", h.Users.SetRole)
		})
	})
}
