package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// Login failure reasons stored in login history
const (
	reasonUnknownUser     = "unknown_user"
	reasonBadPassword     = "invalid_password"
	reasonAccountLocked   = "account_locked"
	reasonAccountDisabled = "account_disabled"
	reasonBadSecondFactor = "invalid_2fa_code"
	reasonBadToken        = "invalid_token"
)

// Login outcomes reported to the LoginObserver
const (
	LoginResultSuccess           = "success"
	LoginResultFailed            = "failed"
	LoginResultLocked            = "locked"
	LoginResultDisabled          = "disabled"
	LoginResultTwoFactorRequired = "2fa_required"
	LoginResultTwoFactorFailed   = "2fa_failed"
)

// SecondFactor is the part of the two-factor service login needs.
type SecondFactor interface {
	IsRequired(ctx context.Context, userID string) (bool, error)
	VerifyCode(ctx context.Context, userID, code string) (bool, error)
	VerifyBackupCode(ctx context.Context, userID, code string) (bool, error)
}

// AuthAuditor records authentication events.
type AuthAuditor interface {
	Record(ctx context.Context, entry *models.AuditLog) audit.Outcome
	RecordLogin(ctx context.Context, ev LoginEvent) audit.Outcome
	RecordLogout(ctx context.Context, claims *auth.Claims, token string)
}

// LockoutNotifier is told when a principal gets locked out.
type LockoutNotifier interface {
	AccountLocked(ctx context.Context, user *models.User, until time.Time)
}

// LoginObserver receives login outcome statistics.
type LoginObserver interface {
	LoginAttempt(result string)
}

// AuthConfig holds the lockout and password policy knobs.
type AuthConfig struct {
	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	DisclosureThreshold int
	ReauthMaxAge        time.Duration
	TokenTTL            time.Duration
	Policy              pkgauth.PasswordPolicy
}

// AuthService handles authentication business logic
type AuthService struct {
	users     UserRepository
	perms     auth.PermissionResolver
	twoFactor SecondFactor
	tm        *auth.TokenManager
	hasher    *pkgauth.Hasher
	timing    *auth.TimingDelay
	auditor   AuthAuditor
	notifier  LockoutNotifier
	observer  LoginObserver
	config    AuthConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService. timing may be nil.
func NewAuthService(
	users UserRepository,
	perms auth.PermissionResolver,
	twoFactor SecondFactor,
	tm *auth.TokenManager,
	hasher *pkgauth.Hasher,
	timing *auth.TimingDelay,
	auditor AuthAuditor,
	config AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.ReauthMaxAge <= 0 {
		config.ReauthMaxAge = 5 * time.Minute
	}
	return &AuthService{
		users:     users,
		perms:     perms,
		twoFactor: twoFactor,
		tm:        tm,
		hasher:    hasher,
		timing:    timing,
		auditor:   auditor,
		config:    config,
		now:       time.Now,
		logger:    logger,
	}
}

// SetNotifier attaches the lockout notifier.
func (s *AuthService) SetNotifier(n LockoutNotifier) {
	s.notifier = n
}

// SetObserver attaches login statistics.
func (s *AuthService) SetObserver(o LoginObserver) {
	s.observer = o
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	FullName       string `json:"full_name"`
	UserType       string `json:"user_type"`
	Role           string `json:"role"`
	DepartmentID   *int64 `json:"department_id,omitempty"`
	DepartmentName string `json:"department_name,omitempty"`
	PositionID     *int64 `json:"position_id,omitempty"`
	PositionName   string `json:"position_name,omitempty"`
	TeamID         *int64 `json:"team_id,omitempty"`
	TeamName       string `json:"team_name,omitempty"`
}

// LoginResult is the outcome of a successful credential check. When
// RequiresTwoFactor is set, AccessToken is empty and ChallengeToken must
// be exchanged through CompleteTwoFactor.
type LoginResult struct {
	AccessToken       string        `json:"access_token,omitempty"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	RequiresTwoFactor bool          `json:"requires_2fa"`
	ChallengeToken    string        `json:"challenge_token,omitempty"`
	PasswordExpired   bool          `json:"password_expired"`
	Permissions       []string      `json:"permissions,omitempty"`
	User              *UserResponse `json:"user,omitempty"`
}

// ReauthProof is evidence of a recent password re-check. Only
// AuthService.Reauthenticate mints one.
type ReauthProof struct {
	userID     string
	verifiedAt time.Time
}

// ValidFor reports whether the proof belongs to userID and is younger than
// maxAge at now. A nil proof is never valid.
func (p *ReauthProof) ValidFor(userID string, now time.Time, maxAge time.Duration) bool {
	if p == nil || p.userID == "" || p.userID != userID {
		return false
	}
	age := now.Sub(p.verifiedAt)
	return age >= 0 && age <= maxAge
}

// Login authenticates username (or email) and password.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	start := s.now()
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		s.logger.Warn("login attempt with empty credentials")
		return nil, s.reject(ctx, start, LoginEvent{Username: username, FailureReason: reasonUnknownUser}, LoginResultFailed, models.ErrAuthenticationFailed)
	}

	user, err := s.lookup(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("login failed: invalid credentials")
			return nil, s.reject(ctx, start, LoginEvent{Username: username, FailureReason: reasonUnknownUser}, LoginResultFailed, models.ErrAuthenticationFailed)
		}
		s.logger.Error("failed to load user for login", slog.Any("error", err))
		return nil, passThrough(err)
	}

	ev := LoginEvent{UserID: user.ID, Username: user.Username}
	if err := s.checkAccountState(ctx, user); err != nil {
		if errors.Is(err, models.ErrAccountLocked) {
			ev.FailureReason = reasonAccountLocked
			return nil, s.reject(ctx, start, ev, LoginResultLocked, err)
		}
		if errors.Is(err, models.ErrAccountDisabled) {
			ev.FailureReason = reasonAccountDisabled
			return nil, s.reject(ctx, start, ev, LoginResultDisabled, err)
		}
		return nil, err
	}

	if err := s.hasher.Check(password, user.PasswordHash); err != nil {
		if errors.Is(err, pkgauth.ErrMalformedHash) {
			s.logger.Error("stored password hash is malformed", slog.String("user_id", user.ID), slog.Any("error", err))
		} else {
			s.logger.Info("login failed: invalid credentials", slog.String("user_id", user.ID))
		}
		return nil, s.recordBadPassword(ctx, start, user)
	}

	if user.FailedAttempts > 0 {
		if err := s.users.UpdateLoginState(ctx, user.ID, 0, nil); err != nil {
			s.logger.Warn("failed to reset failed attempts", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}

	required, err := s.twoFactor.IsRequired(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if required {
		challenge, err := s.tm.IssueTwoFactorChallenge(user.ID, user.Username)
		if err != nil {
			s.logger.Error("failed to issue two-factor challenge", slog.String("user_id", user.ID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		s.observe(LoginResultTwoFactorRequired)
		s.logger.Info("login awaiting second factor", slog.String("user_id", user.ID))
		return &LoginResult{
			RequiresTwoFactor: true,
			ChallengeToken:    challenge,
			PasswordExpired:   user.PasswordExpired(s.now()),
		}, nil
	}

	return s.issueSession(ctx, user, models.LoginMechanismPassword)
}

func (s *AuthService) lookup(ctx context.Context, login string) (*models.User, error) {
	if strings.Contains(login, "@") {
		return s.users.GetByEmail(ctx, strings.ToLower(login))
	}
	return s.users.GetByUsername(ctx, login)
}

// checkAccountState rejects disabled and locked principals and clears a
// lock that has already elapsed.
func (s *AuthService) checkAccountState(ctx context.Context, user *models.User) error {
	if !user.IsActive {
		s.logger.Info("login blocked: account disabled", slog.String("user_id", user.ID))
		return models.ErrAccountDisabled
	}
	now := s.now()
	if user.IsLocked(now) {
		s.logger.Info("login blocked: account locked",
			slog.String("user_id", user.ID), slog.Time("locked_until", *user.LockedUntil))
		return &models.LoginFailure{Err: models.ErrAccountLocked, Locked: true}
	}
	if user.LockElapsed(now) {
		if err := s.users.UpdateLoginState(ctx, user.ID, 0, nil); err != nil {
			s.logger.Error("failed to clear elapsed lock", slog.String("user_id", user.ID), slog.Any("error", err))
			return passThrough(err)
		}
		user.FailedAttempts = 0
		user.LockedUntil = nil
		s.logger.Info("elapsed lock cleared", slog.String("user_id", user.ID))
	}
	return nil
}

// recordBadPassword counts the failure and locks the account when the
// limit is reached. Remaining attempts are disclosed only at or below the
// disclosure threshold.
func (s *AuthService) recordBadPassword(ctx context.Context, start time.Time, user *models.User) error {
	ev := LoginEvent{UserID: user.ID, Username: user.Username, FailureReason: reasonBadPassword}

	attempts, lockedUntil, err := s.users.IncrementFailedAttempts(ctx, user.ID, s.config.MaxFailedAttempts, s.config.LockoutDuration)
	if err != nil {
		s.logger.Error("failed to record failed attempt", slog.String("user_id", user.ID), slog.Any("error", err))
		return s.reject(ctx, start, ev, LoginResultFailed, models.ErrAuthenticationFailed)
	}

	if lockedUntil != nil {
		s.logger.Warn("account locked after repeated failures",
			slog.String("user_id", user.ID), slog.Int("attempts", attempts), slog.Time("locked_until", *lockedUntil))
		uid, uname := user.ID, user.Username
		s.auditor.Record(ctx, &models.AuditLog{
			UserID:      &uid,
			Username:    &uname,
			ActionType:  models.ActionAccountLocked,
			Description: "account locked after repeated failed logins",
			Status:      models.AuditStatusFailed,
		})
		if s.notifier != nil {
			s.notifier.AccountLocked(ctx, user, *lockedUntil)
		}
		return s.reject(ctx, start, ev, LoginResultLocked, &models.LoginFailure{Err: models.ErrAccountLocked, Locked: true})
	}

	remaining := s.config.MaxFailedAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return s.reject(ctx, start, ev, LoginResultFailed, &models.LoginFailure{
		Err:       models.ErrAuthenticationFailed,
		Remaining: remaining,
		Disclose:  remaining <= s.config.DisclosureThreshold,
	})
}

// reject audits a failed login, pads the response time and returns err.
func (s *AuthService) reject(ctx context.Context, start time.Time, ev LoginEvent, result string, err error) error {
	ev.Success = false
	if ev.Mechanism == "" {
		ev.Mechanism = models.LoginMechanismPassword
	}
	s.auditor.RecordLogin(ctx, ev)
	s.observe(result)
	s.timing.WaitFrom(ctx, start, false)
	return err
}

// accountStateReason names a checkAccountState failure for login history.
// Store errors have no reason and are not recorded as login failures.
func accountStateReason(err error) string {
	switch {
	case errors.Is(err, models.ErrAccountDisabled):
		return reasonAccountDisabled
	case errors.Is(err, models.ErrAccountLocked):
		return reasonAccountLocked
	}
	return ""
}

// issueSession mints an access token carrying a permission snapshot and
// records the login.
func (s *AuthService) issueSession(ctx context.Context, user *models.User, mechanism string) (*LoginResult, error) {
	set, err := s.perms.GetEffectivePermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	claims := auth.ClaimsForUser(user)
	claims.IsAdmin = set.All()
	claims.Permissions = set.ClaimCodes()

	token, err := s.tm.Issue(claims, s.config.TokenTTL)
	if errors.Is(err, auth.ErrTokenTooLarge) {
		// The snapshot is informational; consumers ask RBAC for decisions.
		s.logger.Warn("permission snapshot too large for token, trimming", slog.String("user_id", user.ID), slog.Int("codes", set.Len()))
		claims.Permissions = nil
		if set.All() {
			claims.Permissions = []string{"*"}
		}
		token, err = s.tm.Issue(claims, s.config.TokenTTL)
	}
	if err != nil {
		s.logger.Error("failed to issue access token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditor.RecordLogin(ctx, LoginEvent{
		UserID:    user.ID,
		Username:  user.Username,
		Success:   true,
		Mechanism: mechanism,
		Token:     token,
	})
	s.observe(LoginResultSuccess)
	s.logger.Info("user logged in", slog.String("user_id", user.ID), slog.String("mechanism", mechanism))

	ttl := s.config.TokenTTL
	if ttl == 0 {
		ttl = s.tm.DefaultTTL()
	}
	expires := s.now().Add(ttl)
	return &LoginResult{
		AccessToken:     token,
		ExpiresAt:       &expires,
		PasswordExpired: user.PasswordExpired(s.now()),
		Permissions:     claims.Permissions,
		User:            userModelToResponse(user),
	}, nil
}

// CompleteTwoFactor exchanges a challenge token plus a TOTP code or an
// unused backup code for an access token.
func (s *AuthService) CompleteTwoFactor(ctx context.Context, challengeToken, code, backupCode string) (*LoginResult, error) {
	start := s.now()
	claims, err := s.tm.VerifyType(challengeToken, auth.TokenTypeTwoFactorPending)
	if err != nil {
		s.logger.Info("two-factor completion with invalid challenge", slog.Any("error", err))
		return nil, s.reject(ctx, start, LoginEvent{FailureReason: reasonBadToken, Mechanism: models.LoginMechanismTwoFactor}, LoginResultTwoFactorFailed, models.ErrAuthenticationFailed)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("two-factor completion for unknown user", slog.String("user_id", claims.UserID))
			ev := LoginEvent{Username: claims.Username, Mechanism: models.LoginMechanismTwoFactor, FailureReason: reasonUnknownUser}
			return nil, s.reject(ctx, start, ev, LoginResultTwoFactorFailed, models.ErrAuthenticationFailed)
		}
		return nil, passThrough(err)
	}
	ev := LoginEvent{UserID: user.ID, Username: user.Username, Mechanism: models.LoginMechanismTwoFactor}
	if err := s.checkAccountState(ctx, user); err != nil {
		if ev.FailureReason = accountStateReason(err); ev.FailureReason == "" {
			return nil, err
		}
		return nil, s.reject(ctx, start, ev, LoginResultTwoFactorFailed, err)
	}

	var ok bool
	if backupCode != "" {
		ok, err = s.twoFactor.VerifyBackupCode(ctx, user.ID, backupCode)
	} else {
		ok, err = s.twoFactor.VerifyCode(ctx, user.ID, code)
	}
	if err != nil {
		if errors.Is(err, models.ErrValidationFailed) || errors.Is(err, models.ErrTooManyAttempts) {
			ev.FailureReason = reasonBadSecondFactor
			return nil, s.reject(ctx, start, ev, LoginResultTwoFactorFailed, err)
		}
		return nil, err
	}
	if !ok {
		ev.FailureReason = reasonBadSecondFactor
		return nil, s.reject(ctx, start, ev, LoginResultTwoFactorFailed, models.ErrAuthenticationFailed)
	}

	return s.issueSession(ctx, user, models.LoginMechanismTwoFactor)
}

// Logout closes the session in login history. Tokens stay valid until
// they expire; verification is stateless.
func (s *AuthService) Logout(ctx context.Context, claims *auth.Claims, token string) {
	s.auditor.RecordLogout(ctx, claims, token)
	if claims != nil {
		s.logger.Info("user logged out", slog.String("user_id", claims.UserID))
	}
}

// ChangePassword enforces the password policy, rejects reuse of recent
// passwords and sets a new expiry.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return passThrough(err)
	}

	if !s.hasher.Verify(current, user.PasswordHash) {
		s.logger.Info("password change rejected: current password mismatch", slog.String("user_id", userID))
		s.recordPasswordChange(ctx, user, models.AuditStatusFailed, models.ErrAuthenticationFailed.Error())
		s.timing.Wait(ctx, false)
		return models.ErrAuthenticationFailed
	}

	if err := s.config.Policy.Validate(next); err != nil {
		var pve *pkgauth.PasswordValidationError
		if errors.As(err, &pve) {
			s.logger.Info("password change rejected by policy", slog.String("user_id", userID), slog.Any("reasons", pve.Errors))
		}
		return models.NewValidationError("new_password", err.Error())
	}
	if next == current {
		return models.ErrPasswordReused
	}

	history, err := s.users.RecentPasswordHashes(ctx, userID, s.config.Policy.HistorySize)
	if err != nil {
		return passThrough(err)
	}
	if s.config.Policy.ReusesHistory(s.hasher, next, history) {
		s.recordPasswordChange(ctx, user, models.AuditStatusFailed, models.ErrPasswordReused.Error())
		return models.ErrPasswordReused
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, s.config.Policy.ExpiresAt(s.now()), s.config.Policy.HistorySize); err != nil {
		return passThrough(err)
	}

	s.logger.Info("password changed", slog.String("user_id", userID))
	s.recordPasswordChange(ctx, user, models.AuditStatusSuccess, "")
	return nil
}

func (s *AuthService) recordPasswordChange(ctx context.Context, user *models.User, status, errMsg string) {
	uid, uname := user.ID, user.Username
	entry := &models.AuditLog{
		UserID:       &uid,
		Username:     &uname,
		ActionType:   models.ActionPasswordChange,
		Description:  "password change",
		Status:       status,
		ResourceType: strPtr("user"),
		ResourceID:   &uid,
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	s.auditor.Record(ctx, entry)
}

// Reauthenticate re-checks the password of an already authenticated
// principal and returns a short-lived proof of it.
func (s *AuthService) Reauthenticate(ctx context.Context, userID, password string) (*ReauthProof, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		s.logger.Info("re-authentication failed", slog.String("user_id", userID))
		uid, uname := user.ID, user.Username
		msg := models.ErrAuthenticationFailed.Error()
		s.auditor.Record(ctx, &models.AuditLog{
			UserID:       &uid,
			Username:     &uname,
			ActionType:   models.ActionLoginFailed,
			Description:  "re-authentication failed",
			Status:       models.AuditStatusFailed,
			ErrorMessage: &msg,
		})
		s.timing.Wait(ctx, false)
		return nil, models.ErrAuthenticationFailed
	}
	return &ReauthProof{userID: userID, verifiedAt: s.now()}, nil
}

// IssueSSOToken mints a short-lived handoff token for the caller, built
// from current principal data rather than the caller's claims.
func (s *AuthService) IssueSSOToken(ctx context.Context, caller *auth.Claims) (string, error) {
	user, err := s.users.GetByID(ctx, caller.UserID)
	if err != nil {
		return "", passThrough(err)
	}
	if err := s.checkAccountState(ctx, user); err != nil {
		return "", err
	}
	set, err := s.perms.GetEffectivePermissions(ctx, user.ID)
	if err != nil {
		return "", err
	}
	claims := auth.ClaimsForUser(user)
	claims.IsAdmin = set.All()
	token, err := s.tm.IssueSSO(claims)
	if err != nil {
		s.logger.Error("failed to issue SSO token", slog.String("user_id", user.ID), slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	return token, nil
}

// ExchangeSSOToken turns a handoff token into a regular session.
func (s *AuthService) ExchangeSSOToken(ctx context.Context, ssoToken string) (*LoginResult, error) {
	start := s.now()
	claims, err := s.tm.VerifyType(ssoToken, auth.TokenTypeSSO)
	if err != nil {
		return nil, s.reject(ctx, start, LoginEvent{FailureReason: reasonBadToken, Mechanism: models.LoginMechanismSSO}, LoginResultFailed, models.ErrAuthenticationFailed)
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("SSO exchange for unknown user", slog.String("user_id", claims.UserID))
			ev := LoginEvent{Username: claims.Username, Mechanism: models.LoginMechanismSSO, FailureReason: reasonUnknownUser}
			return nil, s.reject(ctx, start, ev, LoginResultFailed, models.ErrAuthenticationFailed)
		}
		return nil, passThrough(err)
	}
	if err := s.checkAccountState(ctx, user); err != nil {
		reason := accountStateReason(err)
		if reason == "" {
			return nil, err
		}
		ev := LoginEvent{UserID: user.ID, Username: user.Username, Mechanism: models.LoginMechanismSSO, FailureReason: reason}
		return nil, s.reject(ctx, start, ev, LoginResultFailed, err)
	}
	return s.issueSession(ctx, user, models.LoginMechanismSSO)
}

// Me returns the current principal.
func (s *AuthService) Me(ctx context.Context, userID string) (*UserResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, passThrough(err)
	}
	return userModelToResponse(user), nil
}

func (s *AuthService) observe(result string) {
	if s.observer != nil {
		s.observer.LoginAttempt(result)
	}
}

func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:             user.ID,
		Username:       user.Username,
		Email:          user.Email,
		FullName:       user.FullName,
		UserType:       user.UserType,
		Role:           user.Role,
		DepartmentID:   user.DepartmentID,
		DepartmentName: user.DepartmentName,
		PositionID:     user.PositionID,
		PositionName:   user.PositionName,
		TeamID:         user.TeamID,
		TeamName:       user.TeamName,
	}
}

func strPtr(s string) *string {
	return &s
}
