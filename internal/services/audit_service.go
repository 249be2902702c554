package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
)

// tokenHashLength is the number of hex characters kept from the SHA-256 of
// a session token.
const tokenHashLength = 32

// AuditRepository is the read side of the primary audit store plus the
// one mutation login history allows.
type AuditRepository interface {
	Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error)
	SecurityEvents(ctx context.Context, since time.Time, page, pageSize int) (*models.Page[*models.AuditLog], error)
	LoginHistory(ctx context.Context, userID string, page, size int) (*models.Page[*models.LoginHistory], error)
	MarkLogout(ctx context.Context, tokenHash string, at time.Time) (int64, error)
}

// AuditService records audit and login events through the two-tier
// pipeline and serves the read path from the primary store only.
type AuditService struct {
	pipeline *audit.Pipeline
	repo     AuditRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(pipeline *audit.Pipeline, repo AuditRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		pipeline: pipeline,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
	}
}

// LoginEvent describes one login attempt.
type LoginEvent struct {
	UserID        string
	Username      string
	Success       bool
	Mechanism     string
	FailureReason string
	Token         string // raw session token; only its hash is stored
}

// HashSessionToken returns the truncated one-way hash stored for a token.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:tokenHashLength]
}

// Record persists entry. It never fails the caller; the outcome says which
// tier accepted the entry.
func (s *AuditService) Record(ctx context.Context, entry *models.AuditLog) audit.Outcome {
	if !models.IsValidActionType(entry.ActionType) {
		s.logger.WarnContext(ctx, "audit entry with unknown action type",
			slog.String("action_type", entry.ActionType))
	}
	if entry.Status == "" {
		entry.Status = models.AuditStatusSuccess
	}
	s.enrich(ctx, entry)
	entry.RequestBody = models.AuditMetadata(pkglogger.RedactFields(entry.RequestBody))
	return s.pipeline.Record(ctx, entry)
}

// enrich fills request fields the caller left empty from the metadata the
// request middleware attached to ctx.
func (s *AuditService) enrich(ctx context.Context, entry *models.AuditLog) {
	meta, ok := audit.RequestMetaFrom(ctx)
	if !ok {
		return
	}
	if entry.IPAddress == "" {
		entry.IPAddress = meta.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = meta.UserAgent
		entry.DeviceType = meta.Device.Type
		entry.Browser = meta.Device.Browser
		entry.OS = meta.Device.OS
	}
	if entry.RequestMethod == "" {
		entry.RequestMethod = meta.Method
	}
	if entry.RequestPath == "" {
		entry.RequestPath = meta.Path
	}
	if entry.RequestBody == nil && meta.Body != nil {
		entry.RequestBody = models.AuditMetadata(meta.Body)
	}
}

// RecordAction is the shorthand used by services for successful mutations.
func (s *AuditService) RecordAction(ctx context.Context, actor *auth.Claims, action, resourceType, resourceID, module, description string) audit.Outcome {
	entry := &models.AuditLog{
		ActionType:  action,
		Description: description,
		Status:      models.AuditStatusSuccess,
	}
	setActor(entry, actor)
	if resourceType != "" {
		entry.ResourceType = &resourceType
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if module != "" {
		entry.Module = &module
	}
	return s.Record(ctx, entry)
}

// RecordAccessDenied writes the entry for a request rejected by the
// permission middleware.
func (s *AuditService) RecordAccessDenied(ctx context.Context, claims *auth.Claims, denied []string) {
	msg := models.ErrAuthorizationDenied.Error()
	entry := &models.AuditLog{
		ActionType:   models.ActionAccessDenied,
		Description:  "missing permission " + strings.Join(denied, ", "),
		Status:       models.AuditStatusFailed,
		ErrorMessage: &msg,
		RequestBody:  models.AuditMetadata{"denied_permissions": toAny(denied)},
	}
	setActor(entry, claims)
	if len(denied) > 0 {
		if module, _, _, err := models.ParsePermissionCode(denied[0]); err == nil {
			entry.Module = &module
		}
	}
	s.Record(ctx, entry)
}

// RecordTokenRejected writes a login_failed entry for a presented token
// that failed verification. No principal is known, so only request
// metadata identifies the caller.
func (s *AuditService) RecordTokenRejected(ctx context.Context, reason string) {
	entry := &models.AuditLog{
		ActionType:   models.ActionLoginFailed,
		Description:  "rejected session token",
		Status:       models.AuditStatusFailed,
		ErrorMessage: &reason,
	}
	s.Record(ctx, entry)
}

// RecordLogin writes a login history row and the matching login or
// login_failed audit entry.
func (s *AuditService) RecordLogin(ctx context.Context, ev LoginEvent) audit.Outcome {
	h := &models.LoginHistory{
		Username:  ev.Username,
		LoginAt:   s.now().UTC(),
		Success:   ev.Success,
		Mechanism: ev.Mechanism,
		IsCurrent: ev.Success && ev.Token != "",
	}
	if h.Mechanism == "" {
		h.Mechanism = models.LoginMechanismPassword
	}
	if ev.UserID != "" {
		id := ev.UserID
		h.UserID = &id
	}
	if ev.FailureReason != "" {
		reason := ev.FailureReason
		h.FailureReason = &reason
	}
	if ev.Token != "" {
		th := HashSessionToken(ev.Token)
		h.TokenHash = &th
	}
	if meta, ok := audit.RequestMetaFrom(ctx); ok {
		h.IPAddress = meta.IPAddress
		h.UserAgent = meta.UserAgent
		h.DeviceType = meta.Device.Type
		h.Browser = meta.Device.Browser
		h.OS = meta.Device.OS
	}
	outcome := s.pipeline.RecordLogin(ctx, h)

	entry := &models.AuditLog{
		ActionType:  models.ActionLogin,
		Description: "login via " + h.Mechanism,
		Status:      models.AuditStatusSuccess,
	}
	if !ev.Success {
		entry.ActionType = models.ActionLoginFailed
		entry.Status = models.AuditStatusFailed
		entry.ErrorMessage = h.FailureReason
	}
	entry.UserID = h.UserID
	if ev.Username != "" {
		name := ev.Username
		entry.Username = &name
	}
	s.Record(ctx, entry)
	return outcome
}

// RecordLogout closes the session that holds token and audits the logout.
func (s *AuditService) RecordLogout(ctx context.Context, claims *auth.Claims, token string) {
	closed, err := s.repo.MarkLogout(ctx, HashSessionToken(token), s.now().UTC())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to close login session", slog.Any("error", err))
	} else if closed == 0 {
		s.logger.DebugContext(ctx, "logout without a current session")
	}

	entry := &models.AuditLog{
		ActionType:  models.ActionLogout,
		Description: "logout",
		Status:      models.AuditStatusSuccess,
	}
	setActor(entry, claims)
	s.Record(ctx, entry)
}

// RecoverBackup replays the backup file into the primary store and audits
// the run.
func (s *AuditService) RecoverBackup(ctx context.Context, actor *auth.Claims) audit.RecoveryReport {
	report := s.pipeline.Recover(ctx)
	if report.Recovered == 0 && report.Failed == 0 && actor == nil {
		return report
	}

	status := models.AuditStatusSuccess
	if report.Failed > 0 {
		status = models.AuditStatusError
	}
	entry := &models.AuditLog{
		ActionType:  models.ActionAuditRecover,
		Description: "audit backup recovery",
		Status:      status,
		RequestBody: models.AuditMetadata{
			"recovered":   report.Recovered,
			"failed":      report.Failed,
			"malformed":   report.Malformed,
			"interrupted": report.Interrupted,
		},
	}
	setActor(entry, actor)
	s.Record(ctx, entry)
	return report
}

// BackupStatus reports on the backup tier.
func (s *AuditService) BackupStatus() (audit.BackupStatus, error) {
	return s.pipeline.Status()
}

// Query returns a page of audit entries from the primary store.
func (s *AuditService) Query(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, models.NewValidationError("to", "must not be before from")
	}
	q.Page, q.PageSize = models.Normalize(q.Page, q.PageSize)
	page, err := s.repo.Query(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query audit log", slog.Any("error", err))
		return nil, err
	}
	return page, nil
}

// SecurityEvents returns security-relevant entries within the trailing
// window.
func (s *AuditService) SecurityEvents(ctx context.Context, window time.Duration, page, pageSize int) (*models.Page[*models.AuditLog], error) {
	if window <= 0 {
		return nil, models.NewValidationError("window", "must be positive")
	}
	page, pageSize = models.Normalize(page, pageSize)
	result, err := s.repo.SecurityEvents(ctx, s.now().Add(-window), page, pageSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load security events", slog.Any("error", err))
		return nil, err
	}
	return result, nil
}

// LoginHistory returns a principal's login attempts, newest first.
func (s *AuditService) LoginHistory(ctx context.Context, userID string, page, pageSize int) (*models.Page[*models.LoginHistory], error) {
	page, pageSize = models.Normalize(page, pageSize)
	result, err := s.repo.LoginHistory(ctx, userID, page, pageSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load login history", slog.String("user_id", userID), slog.Any("error", err))
		return nil, err
	}
	return result, nil
}

func setActor(entry *models.AuditLog, claims *auth.Claims) {
	if claims == nil {
		return
	}
	if claims.UserID != "" {
		id := claims.UserID
		entry.UserID = &id
	}
	if claims.Username != "" {
		name := claims.Username
		entry.Username = &name
	}
}

func toAny(codes []string) []any {
	out := make([]any, len(codes))
	for i, c := range codes {
		out[i] = c
	}
	return out
}
