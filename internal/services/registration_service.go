package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// RegistrationRepository defines the interface for registration request storage
type RegistrationRepository interface {
	Create(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error)
	ExistsPending(ctx context.Context, username, email string) (bool, error)
	GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error)
	List(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error)
	Approve(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error)
	Reject(ctx context.Context, id, reviewerID, reason string) (*models.RegistrationRequest, error)
}

// RegistrationNotifier tells applicants about review decisions.
type RegistrationNotifier interface {
	RegistrationApproved(ctx context.Context, req *models.RegistrationRequest, user *models.User)
	RegistrationRejected(ctx context.Context, req *models.RegistrationRequest)
}

// RegistrationInput is a self-service account application.
type RegistrationInput struct {
	Username      string
	Email         string
	Password      string
	FullName      string
	UserType      string
	RequestedRole string
	DepartmentID  *int64
	PositionID    *int64
	TeamID        *int64
}

// RegistrationService runs the submit / approve / reject workflow
type RegistrationService struct {
	repo     RegistrationRepository
	users    UserRepository
	hasher   *pkgauth.Hasher
	policy   pkgauth.PasswordPolicy
	roles    RoleDirectory
	recorder ActionRecorder
	notifier RegistrationNotifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistrationService creates a new RegistrationService
func NewRegistrationService(
	repo RegistrationRepository,
	users UserRepository,
	hasher *pkgauth.Hasher,
	policy pkgauth.PasswordPolicy,
	roles RoleDirectory,
	recorder ActionRecorder,
	logger *slog.Logger,
) *RegistrationService {
	return &RegistrationService{
		repo:     repo,
		users:    users,
		hasher:   hasher,
		policy:   policy,
		roles:    roles,
		recorder: recorder,
		now:      time.Now,
		logger:   logger,
	}
}

// SetNotifier attaches the applicant notifier.
func (s *RegistrationService) SetNotifier(n RegistrationNotifier) {
	s.notifier = n
}

// Submit validates and stores a pending request. The password is hashed
// here, once; approval reuses the stored hash.
func (s *RegistrationService) Submit(ctx context.Context, in RegistrationInput) (*models.RegistrationRequest, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Username == "" {
		return nil, models.NewValidationError("username", "is required")
	}
	if in.Email == "" {
		return nil, models.NewValidationError("email", "is required")
	}
	if in.UserType == "" {
		in.UserType = models.UserTypeEmployee
	}
	if in.UserType != models.UserTypeEmployee && in.UserType != models.UserTypeSupplier {
		return nil, models.NewValidationError("user_type", "must be employee or supplier")
	}
	if err := s.policy.Validate(in.Password); err != nil {
		return nil, models.NewValidationError("password", err.Error())
	}

	taken, err := s.users.ExistsByUsernameOrEmail(ctx, in.Username, in.Email)
	if err != nil {
		return nil, passThrough(err)
	}
	if !taken {
		taken, err = s.repo.ExistsPending(ctx, in.Username, in.Email)
		if err != nil {
			return nil, passThrough(err)
		}
	}
	if taken {
		s.logger.Info("registration rejected: username or email in use")
		return nil, models.ErrConflict
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.logger.Error("failed to hash registration password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	req, err := s.repo.Create(ctx, &models.RegistrationRequest{
		Username:      in.Username,
		Email:         in.Email,
		PasswordHash:  hash,
		FullName:      strings.TrimSpace(in.FullName),
		UserType:      in.UserType,
		RequestedRole: in.RequestedRole,
		DepartmentID:  in.DepartmentID,
		PositionID:    in.PositionID,
		TeamID:        in.TeamID,
	})
	if err != nil {
		return nil, passThrough(err)
	}

	s.logger.Info("registration submitted", slog.String("registration_id", req.ID))
	s.recorder.RecordAction(ctx, nil, models.ActionCreate, "registration_request", req.ID, "system", "registration submitted by "+req.Username)
	return req, nil
}

// List returns one page of requests. An empty status lists all of them.
func (s *RegistrationService) List(ctx context.Context, status string, page, pageSize int) (*models.Page[*models.RegistrationRequest], error) {
	switch status {
	case "", models.RegistrationPending, models.RegistrationApproved, models.RegistrationRejected:
	default:
		return nil, models.NewValidationError("status", "unknown status")
	}
	page, pageSize = models.Normalize(page, pageSize)
	result, err := s.repo.List(ctx, status, page, pageSize)
	if err != nil {
		s.logger.Error("failed to list registrations", slog.Any("error", err))
		return nil, passThrough(err)
	}
	return result, nil
}

// Get returns a single request.
func (s *RegistrationService) Get(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, passThrough(err)
	}
	return req, nil
}

// Approve creates the principal from a pending request. role becomes the
// legacy role and is chosen by the reviewer; the applicant's requested role
// is only shown to them. An empty role creates a principal without one.
func (s *RegistrationService) Approve(ctx context.Context, actor *auth.Claims, id, role string) (*models.User, error) {
	if actor == nil || actor.UserID == "" {
		return nil, models.ErrAuthorizationDenied
	}
	role = strings.TrimSpace(role)
	if err := s.roles.CheckLegacyRole(ctx, actor, role); err != nil {
		s.logger.Info("registration approval refused", slog.String("registration_id", id), slog.Any("error", err))
		return nil, err
	}

	build := func(req *models.RegistrationRequest) *models.User {
		changed := s.now().UTC()
		return &models.User{
			Username:          req.Username,
			Email:             req.Email,
			PasswordHash:      req.PasswordHash,
			FullName:          req.FullName,
			UserType:          req.UserType,
			Role:              role,
			IsActive:          true,
			PasswordChangedAt: &changed,
			PasswordExpiresAt: s.policy.ExpiresAt(changed),
			DepartmentID:      req.DepartmentID,
			PositionID:        req.PositionID,
			TeamID:            req.TeamID,
		}
	}

	req, user, err := s.repo.Approve(ctx, id, actor.UserID, build)
	if err != nil {
		s.logger.Info("registration approval failed", slog.String("registration_id", id), slog.Any("error", err))
		return nil, passThrough(err)
	}

	s.logger.Info("registration approved",
		slog.String("registration_id", req.ID), slog.String("user_id", user.ID), slog.String("reviewer_id", actor.UserID))
	s.recorder.RecordAction(ctx, actor, models.ActionApprove, "registration_request", req.ID, "system", "approved registration for "+req.Username)
	s.recorder.RecordAction(ctx, actor, models.ActionUserCreate, "user", user.ID, "system", "created user "+user.Username+" from registration")
	if s.notifier != nil {
		s.notifier.RegistrationApproved(ctx, req, user)
	}
	return user, nil
}

// Reject closes a pending request. reason is required.
func (s *RegistrationService) Reject(ctx context.Context, actor *auth.Claims, id, reason string) (*models.RegistrationRequest, error) {
	if actor == nil || actor.UserID == "" {
		return nil, models.ErrAuthorizationDenied
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}

	req, err := s.repo.Reject(ctx, id, actor.UserID, reason)
	if err != nil {
		return nil, passThrough(err)
	}

	s.logger.Info("registration rejected", slog.String("registration_id", req.ID), slog.String("reviewer_id", actor.UserID))
	s.recorder.RecordAction(ctx, actor, models.ActionReject, "registration_request", req.ID, "system", "rejected registration for "+req.Username)
	if s.notifier != nil {
		s.notifier.RegistrationRejected(ctx, req)
	}
	return req, nil
}
