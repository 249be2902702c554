package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

// TwoFactorService handles TOTP enrollment, verification and backup codes.
// States run NotEnrolled -> PendingVerification -> Enabled -> Disabled.
type TwoFactorService struct {
	repo         repositories.TwoFactorRepository
	users        PrincipalReader
	totpMgr      *auth.TOTPManager
	throttle     *auth.Throttle
	recorder     ActionRecorder
	reauthMaxAge time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewTwoFactorService creates a new TwoFactorService. throttle limits
// verification attempts per principal and may be nil.
func NewTwoFactorService(
	repo repositories.TwoFactorRepository,
	users PrincipalReader,
	totpMgr *auth.TOTPManager,
	throttle *auth.Throttle,
	recorder ActionRecorder,
	reauthMaxAge time.Duration,
	logger *slog.Logger,
) *TwoFactorService {
	return &TwoFactorService{
		repo:         repo,
		users:        users,
		totpMgr:      totpMgr,
		throttle:     throttle,
		recorder:     recorder,
		reauthMaxAge: reauthMaxAge,
		now:          time.Now,
		logger:       logger,
	}
}

// enrollment returns nil without error when the principal never enrolled.
func (s *TwoFactorService) enrollment(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	e, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		s.logger.ErrorContext(ctx, "failed to load two-factor enrollment", slog.String("user_id", userID), slog.Any("error", err))
		return nil, passThrough(err)
	}
	return e, nil
}

func (s *TwoFactorService) allow(userID string) error {
	if s.throttle != nil && !s.throttle.Allow(userID) {
		return models.ErrTooManyAttempts
	}
	return nil
}

func (s *TwoFactorService) succeeded(userID string) {
	if s.throttle != nil {
		s.throttle.Reset(userID)
	}
}

// Setup generates a new secret and backup codes. Re-running while pending
// replaces both; an enabled enrollment is refused.
func (s *TwoFactorService) Setup(ctx context.Context, userID string) (*models.TwoFactorSetup, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.State() == models.TwoFactorEnabled {
		return nil, models.ErrTwoFactorEnabled
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}

	key, err := s.totpMgr.GenerateKey(user.Username)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	ciphertext, nonce, err := s.totpMgr.EncryptSecret(key.Secret)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to encrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.repo.SavePending(ctx, userID, ciphertext, nonce, hashes); err != nil {
		return nil, passThrough(err)
	}

	s.logger.InfoContext(ctx, "two-factor setup initiated", slog.String("user_id", userID))
	return &models.TwoFactorSetup{
		Secret:          key.Secret,
		ProvisioningURI: key.ProvisioningURI,
		QRCode:          key.QRCode,
		BackupCodes:     codes,
	}, nil
}

func (s *TwoFactorService) newBackupCodes() ([]string, []string, error) {
	codes, err := s.totpMgr.GenerateBackupCodes(models.BackupCodeCount)
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		normalized, err := auth.NormalizeBackupCode(code)
		if err != nil {
			return nil, nil, err
		}
		hashes[i] = auth.HashBackupCode(normalized)
	}
	return codes, hashes, nil
}

// checkCode validates code against the enrollment's secret. It returns the
// matched time step.
func (s *TwoFactorService) checkCode(ctx context.Context, e *models.TwoFactorEnrollment, code string) (int64, bool, error) {
	secret, err := s.totpMgr.DecryptSecret(e.SecretEncrypted, e.SecretNonce)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to decrypt TOTP secret", slog.String("user_id", e.UserID), slog.Any("error", err))
		return 0, false, models.ErrInternalServer
	}
	return s.totpMgr.ValidateCode(secret, code, e.LastUsedStep)
}

// VerifyAndEnable moves a pending enrollment to enabled on a correct code.
func (s *TwoFactorService) VerifyAndEnable(ctx context.Context, userID, code string) (bool, error) {
	if _, err := auth.NormalizeTOTPCode(code); err != nil {
		return false, err
	}
	if err := s.allow(userID); err != nil {
		return false, err
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	switch e.State() {
	case models.TwoFactorPending:
	case models.TwoFactorEnabled:
		return false, models.ErrTwoFactorEnabled
	default:
		return false, models.ErrTwoFactorNotEnrolled
	}

	step, ok, err := s.checkCode(ctx, e, code)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.InfoContext(ctx, "two-factor enable rejected: invalid code", slog.String("user_id", userID))
		return false, nil
	}

	if err := s.repo.Enable(ctx, userID, step); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return false, nil
		}
		return false, passThrough(err)
	}
	s.succeeded(userID)
	s.logger.InfoContext(ctx, "two-factor enabled", slog.String("user_id", userID))
	s.recorder.RecordAction(ctx, principalActor(userID), models.ActionTwoFactorEnable, "user", userID, "system", "two-factor authentication enabled")
	return true, nil
}

// VerifyCode checks a TOTP code for an enabled principal. A time step is
// accepted at most once.
func (s *TwoFactorService) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	if _, err := auth.NormalizeTOTPCode(code); err != nil {
		return false, err
	}
	if err := s.allow(userID); err != nil {
		return false, err
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	if e.State() != models.TwoFactorEnabled {
		return false, models.ErrTwoFactorNotEnabled
	}

	step, ok, err := s.checkCode(ctx, e, code)
	if err != nil || !ok {
		return false, err
	}
	used, err := s.repo.RecordUse(ctx, userID, step)
	if err != nil {
		return false, passThrough(err)
	}
	if !used {
		s.logger.WarnContext(ctx, "rejected replayed TOTP code", slog.String("user_id", userID))
		return false, nil
	}
	s.succeeded(userID)
	return true, nil
}

// VerifyBackupCode consumes a matching unused backup code. Every stored
// hash is compared so the time taken does not depend on which code matched.
func (s *TwoFactorService) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	normalized, err := auth.NormalizeBackupCode(code)
	if err != nil {
		return false, err
	}
	if err := s.allow(userID); err != nil {
		return false, err
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	if e.State() != models.TwoFactorEnabled {
		return false, models.ErrTwoFactorNotEnabled
	}

	codes, err := s.repo.UnusedBackupCodes(ctx, userID)
	if err != nil {
		return false, passThrough(err)
	}
	matched := ""
	for _, c := range codes {
		if auth.BackupCodeMatches(normalized, c.CodeHash) && matched == "" {
			matched = c.ID
		}
	}
	if matched == "" {
		return false, nil
	}

	consumed, err := s.repo.ConsumeBackupCode(ctx, matched)
	if err != nil {
		return false, passThrough(err)
	}
	if !consumed {
		return false, nil
	}
	s.succeeded(userID)
	s.logger.InfoContext(ctx, "backup code consumed",
		slog.String("user_id", userID), slog.Int("remaining", len(codes)-1))
	return true, nil
}

// Disable removes the secret and all backup codes. proof must come from a
// password re-check of the same principal within the allowed age.
func (s *TwoFactorService) Disable(ctx context.Context, userID string, proof *ReauthProof) error {
	if !proof.ValidFor(userID, s.now(), s.reauthMaxAge) {
		return models.ErrReauthRequired
	}
	if err := s.repo.Disable(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTwoFactorNotEnrolled
		}
		return passThrough(err)
	}
	s.logger.InfoContext(ctx, "two-factor disabled", slog.String("user_id", userID))
	s.recorder.RecordAction(ctx, principalActor(userID), models.ActionTwoFactorDisable, "user", userID, "system", "two-factor authentication disabled")
	return nil
}

// RegenerateBackupCodes invalidates every unused code and issues a new set.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.State() != models.TwoFactorEnabled {
		return nil, models.ErrTwoFactorNotEnabled
	}

	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if err := s.repo.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, passThrough(err)
	}
	s.recorder.RecordAction(ctx, principalActor(userID), models.ActionUpdate, "user", userID, "system", "backup codes regenerated")
	return codes, nil
}

// IsRequired is true iff the principal has an enabled enrollment.
func (s *TwoFactorService) IsRequired(ctx context.Context, userID string) (bool, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.State() == models.TwoFactorEnabled, nil
}

// Status summarises the principal's enrollment.
func (s *TwoFactorService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := &models.TwoFactorStatus{State: e.State()}
	if e == nil {
		return status, nil
	}
	status.Enabled = e.Enabled
	status.EnrolledAt = e.EnrolledAt
	status.LastUsedAt = e.LastUsedAt
	if e.Enabled {
		codes, err := s.repo.UnusedBackupCodes(ctx, userID)
		if err != nil {
			return nil, passThrough(err)
		}
		status.BackupCodesRemaining = len(codes)
	}
	return status, nil
}

func principalActor(userID string) *auth.Claims {
	return &auth.Claims{UserID: userID}
}
