package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateLoginState(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error
	IncrementFailedAttempts(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, *time.Time, error)
	UpdatePassword(ctx context.Context, id, hash string, expiresAt *time.Time, keep int) error
	RecentPasswordHashes(ctx context.Context, id string, n int) ([]string, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateRole(ctx context.Context, id, role string) error
	List(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error)
}

// RoleDirectory drops resolved RBAC entries and vets legacy role grants.
type RoleDirectory interface {
	ClearCache(ctx context.Context, userID string)
	CheckLegacyRole(ctx context.Context, actor *auth.Claims, role string) error
}

// UserService handles principal administration
type UserService struct {
	repo     UserRepository
	roles    RoleDirectory
	recorder ActionRecorder
	logger   *slog.Logger
}

// NewUserService creates a new UserService
func NewUserService(repo UserRepository, roles RoleDirectory, recorder ActionRecorder, logger *slog.Logger) *UserService {
	return &UserService{
		repo:     repo,
		roles:    roles,
		recorder: recorder,
		logger:   logger,
	}
}

// GetUserByID retrieves a user by ID
func (s *UserService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("user not found", slog.String("user_id", id))
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get user", slog.String("user_id", id), slog.Any("error", err))
		return nil, passThrough(err)
	}
	return user, nil
}

// ListUsers retrieves a page of users
func (s *UserService) ListUsers(ctx context.Context, filter models.UserFilter) (*models.Page[*models.User], error) {
	filter.Page, filter.PageSize = models.Normalize(filter.Page, filter.PageSize)
	filter.Search = strings.TrimSpace(filter.Search)

	page, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list users", slog.Int("page", filter.Page), slog.Any("error", err))
		return nil, passThrough(err)
	}
	return page, nil
}

// SetActive activates or deactivates a principal. A deactivated principal
// resolves to an empty permission set.
func (s *UserService) SetActive(ctx context.Context, actor *auth.Claims, id string, active bool) error {
	if actor != nil && actor.UserID == id && !active {
		return models.NewValidationError("id", "cannot deactivate your own account")
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return passThrough(err)
	}
	s.roles.ClearCache(ctx, id)

	desc := "activated user"
	if !active {
		desc = "deactivated user"
	}
	s.logger.Info(desc, slog.String("user_id", id))
	s.recorder.RecordAction(ctx, actor, models.ActionUpdate, "user", id, "system", desc)
	return nil
}

// Unlock clears the failed-attempt counter and any lock.
func (s *UserService) Unlock(ctx context.Context, actor *auth.Claims, id string) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return passThrough(err)
	}
	if err := s.repo.UpdateLoginState(ctx, id, 0, nil); err != nil {
		return passThrough(err)
	}
	s.recorder.RecordAction(ctx, actor, models.ActionUpdate, "user", id, "system", "unlocked account")
	return nil
}

// SetLegacyRole replaces the principal's legacy role code, which counts as
// one more role membership.
func (s *UserService) SetLegacyRole(ctx context.Context, actor *auth.Claims, id, role string) error {
	role = strings.TrimSpace(role)
	if err := s.roles.CheckLegacyRole(ctx, actor, role); err != nil {
		return err
	}
	if err := s.repo.UpdateRole(ctx, id, role); err != nil {
		return passThrough(err)
	}
	s.roles.ClearCache(ctx, id)
	s.recorder.RecordAction(ctx, actor, models.ActionPermissionChange, "user", id, "system", "set legacy role "+role)
	return nil
}

// BootstrapAdmin creates the first administrator when no principal with
// username exists. It is a no-op otherwise.
func (s *UserService) BootstrapAdmin(ctx context.Context, hasher *pkgauth.Hasher, username, email, password, role string) (bool, error) {
	if username == "" || email == "" || password == "" {
		return false, nil
	}
	exists, err := s.repo.ExistsByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return false, passThrough(err)
	}
	if exists {
		return false, nil
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return false, models.NewValidationError("password", err.Error())
	}
	now := time.Now().UTC()
	user, err := s.repo.Create(ctx, &models.User{
		Username:          username,
		Email:             strings.ToLower(email),
		PasswordHash:      hash,
		FullName:          username,
		UserType:          models.UserTypeEmployee,
		Role:              role,
		IsActive:          true,
		PasswordChangedAt: &now,
	})
	if err != nil {
		return false, passThrough(err)
	}
	s.logger.Warn("bootstrap administrator created", slog.String("user_id", user.ID), slog.String("role", role))
	s.recorder.RecordAction(ctx, nil, models.ActionUserCreate, "user", user.ID, "system", "bootstrap administrator created")
	return true, nil
}

// passThrough keeps the error taxonomy intact and hides everything else
// behind ErrInternalServer.
func passThrough(err error) error {
	for _, known := range []error{
		models.ErrNotFound,
		models.ErrConflict,
		models.ErrPersistenceFailed,
		models.ErrValidationFailed,
		models.ErrAuthenticationFailed,
		models.ErrAuthorizationDenied,
		models.ErrAccountLocked,
		models.ErrAccountDisabled,
		models.ErrTwoFactorEnabled,
		models.ErrTwoFactorNotEnabled,
		models.ErrTwoFactorNotEnrolled,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return models.ErrInternalServer
}
