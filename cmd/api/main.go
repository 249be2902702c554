package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/background"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/metrics"
	"github.com/BradenHooton/keystone/internal/middleware"
	"github.com/BradenHooton/keystone/internal/rbac"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/routes"
	"github.com/BradenHooton/keystone/internal/services"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := pkglogger.New(os.Stdout, pkglogger.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if !checkDeployment(cfg, logger) {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	rbacRepo := repositories.NewRBACRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	registrationRepo := repositories.NewRegistrationRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)

	m := metrics.New(db.Pool)

	// Audit pipeline: database first, local file second
	backup, err := audit.NewFileBackup(audit.FileBackupOptions{
		Path:     cfg.Audit.BackupPath,
		MaxBytes: cfg.Audit.BackupMaxBytes,
		MaxFiles: cfg.Audit.BackupMaxFiles,
	})
	if err != nil {
		logger.Error("failed to initialize audit backup", slog.Any("error", err))
		os.Exit(1)
	}
	pipeline := audit.NewPipeline(auditRepo, backup, logger, audit.WithObserver(m.AuditOutcome))
	auditService := services.NewAuditService(pipeline, auditRepo, logger)

	// Permission resolution
	rbacService := services.NewRBACService(rbacRepo, userRepo, rbac.NewCache(cfg.RBAC.CacheTTL), cfg.RBAC.TopRole, auditService, logger)
	rbacService.SetObserver(m)

	var bus *rbac.RedisBus
	if cfg.RBAC.RedisURL != "" {
		bus, err = startInvalidationBus(ctx, cfg.RBAC, rbacService, logger)
		if err != nil {
			logger.Error("failed to start cache invalidation bus", slog.Any("error", err))
			os.Exit(1)
		}
		rbacService.SetPublisher(bus)
	}

	// Token manager
	tokenManager, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Error("failed to initialize token manager", slog.Any("error", err))
		os.Exit(1)
	}

	totpManager, err := auth.NewTOTPManager(cfg.TwoFactor.EncryptionKey, cfg.TwoFactor.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	hasher := pkgauth.NewHasher(cfg.Auth.BcryptCost)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:   time.Duration(cfg.Auth.TimingBaseDelayMs) * time.Millisecond,
		RandomDelay: time.Duration(cfg.Auth.TimingRandomDelayMs) * time.Millisecond,
	})

	// Initialize services
	twoFactorService := services.NewTwoFactorService(
		twoFactorRepo,
		userRepo,
		totpManager,
		auth.NewThrottle(cfg.TwoFactor.VerifyPerMinute, cfg.TwoFactor.VerifyBurst),
		auditService,
		cfg.Auth.ReauthMaxAge,
		logger,
	)
	authService := services.NewAuthService(
		userRepo,
		rbacService,
		twoFactorService,
		tokenManager,
		hasher,
		timingDelay,
		auditService,
		services.AuthConfig{
			MaxFailedAttempts:   cfg.Auth.MaxFailedAttempts,
			LockoutDuration:     cfg.Auth.LockoutDuration,
			DisclosureThreshold: cfg.Auth.DisclosureThreshold,
			ReauthMaxAge:        cfg.Auth.ReauthMaxAge,
			TokenTTL:            cfg.Auth.TokenTTL,
			Policy:              cfg.Auth.PasswordPolicy(),
		},
		logger,
	)
	authService.SetObserver(m)
	registrationService := services.NewRegistrationService(registrationRepo, userRepo, hasher, cfg.Auth.PasswordPolicy(), rbacService, auditService, logger)
	userService := services.NewUserService(userRepo, rbacService, auditService, logger)

	// AWS SES notifications
	if cfg.Email.Enabled {
		emailService, err := services.NewAWSSESEmailService(ctx, cfg.Email.Region, cfg.Email.Sender, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		authService.SetNotifier(emailService)
		registrationService.SetNotifier(emailService)
	}

	// Bootstrap first administrator if configured
	if cfg.Auth.BootstrapAdminUsername != "" {
		bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		created, err := userService.BootstrapAdmin(bootCtx, hasher,
			cfg.Auth.BootstrapAdminUsername, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPassword, rbacService.TopRole())
		cancel()
		if err != nil {
			logger.Error("failed to bootstrap administrator", slog.Any("error", err))
		} else if created {
			logger.Info("administrator created", slog.String("username", cfg.Auth.BootstrapAdminUsername))
		}
	}

	// Initialize handlers and middleware
	permissions := auth.NewPermissionMiddleware(rbacService, auditService, logger)
	permissions.OnDeny(m.AccessDenied)

	h := routes.Handlers{
		Auth:         handlers.NewAuthHandler(authService, auth.CookieConfig{Secure: cfg.Auth.CookieSecure}, cfg.Auth.TokenTTL, logger),
		TwoFactor:    handlers.NewTwoFactorHandler(twoFactorService, authService, logger),
		Registration: handlers.NewRegistrationHandler(registrationService, logger),
		RBAC:         handlers.NewRBACHandler(rbacService, logger),
		Audit:        handlers.NewAuditHandler(auditService, logger),
		Users:        handlers.NewUserHandler(userService, logger),
		Health:       handlers.NewHealthHandler(db, auditService, logger),
	}
	router := routes.NewRouter(h, routes.Options{
		Logger:         logger,
		TokenManager:   tokenManager,
		Permissions:    permissions,
		Metrics:        m,
		TokenFailures:  auditService,
		CORS:           middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
		IPConfig:       pkghttp.NewIPConfig(cfg.Server.TrustedProxies),
		Env:            cfg.Server.Env,
		LoginRateLimit: cfg.Server.LoginRateLimit,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start audit backup recovery
	recoveryWorker := background.NewRecoveryWorker(auditService, logger, cfg.Audit.RecoveryInterval)
	go recoveryWorker.Start(ctx)

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", slog.Any("error", err))
		exitCode = 1
	}

	recoveryWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		exitCode = 1
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Warn("failed to close invalidation bus", slog.Any("error", err))
		}
	}

	if exitCode != 0 {
		db.Close()
		os.Exit(exitCode)
	}
	logger.Info("server stopped gracefully")
}

// checkDeployment logs every finding and reports false when a blocking one
// is present.
func checkDeployment(cfg *config.Config, logger *slog.Logger) bool {
	ok := true
	for _, f := range config.DeploymentChecks(cfg) {
		attrs := []any{slog.String("key", f.Key), slog.String("detail", f.Message)}
		if f.Severity == config.SeverityBlocking {
			logger.Error("unsafe deployment configuration", attrs...)
			ok = false
			continue
		}
		logger.Warn("deployment configuration warning", attrs...)
	}
	return ok
}

// startInvalidationBus connects to Redis and subscribes to remote cache
// invalidations.
func startInvalidationBus(ctx context.Context, cfg config.RBACConfig, target rbac.Invalidator, logger *slog.Logger) (*rbac.RedisBus, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	bus := rbac.NewRedisBus(client, cfg.InvalidationChannel, target, logger)
	if err := bus.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("cache invalidation bus started",
		slog.String("channel", cfg.InvalidationChannel),
		slog.String("instance", bus.InstanceID()))
	return bus, nil
}
