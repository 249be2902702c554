package services

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchablePrimary stores records in memory and can be taken down.
type switchablePrimary struct {
	mu     sync.Mutex
	down   bool
	audits []*models.AuditLog
	logins []*models.LoginHistory
}

func (p *switchablePrimary) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *switchablePrimary) WriteAudit(ctx context.Context, e *models.AuditLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return models.ErrPersistenceFailed
	}
	p.audits = append(p.audits, e)
	return nil
}

func (p *switchablePrimary) WriteLogin(ctx context.Context, e *models.LoginHistory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return models.ErrPersistenceFailed
	}
	p.logins = append(p.logins, e)
	return nil
}

func newAuditFixture(t *testing.T) (*AuditService, *switchablePrimary, *MockAuditRepository) {
	t.Helper()
	backup, err := audit.NewFileBackup(audit.FileBackupOptions{Path: filepath.Join(t.TempDir(), "audit-backup.jsonl")})
	require.NoError(t, err)
	primary := &switchablePrimary{}
	repo := &MockAuditRepository{}
	pipeline := audit.NewPipeline(primary, backup, slog.Default())
	return NewAuditService(pipeline, repo, slog.Default()), primary, repo
}

func requestContext() context.Context {
	return audit.WithRequestMeta(context.Background(), audit.RequestMeta{
		IPAddress: "10.0.0.7",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		Device:    audit.Device{Type: "desktop", Browser: "Chrome", OS: "Windows"},
		Method:    "POST",
		Path:      "/api/v1/auth/login",
		Body:      map[string]any{"username": "jdoe", "password": pkglogger.Redacted},
	})
}

func TestAuditService_RecordEnrichesFromRequest(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	outcome := svc.Record(requestContext(), &models.AuditLog{ActionType: models.ActionUpdate, Description: "x"})
	assert.Equal(t, audit.OutcomeWrittenPrimary, outcome)

	require.Len(t, primary.audits, 1)
	e := primary.audits[0]
	assert.Equal(t, "10.0.0.7", e.IPAddress)
	assert.Equal(t, "desktop", e.DeviceType)
	assert.Equal(t, "Chrome", e.Browser)
	assert.Equal(t, "POST", e.RequestMethod)
	assert.Equal(t, "/api/v1/auth/login", e.RequestPath)
	assert.Equal(t, models.AuditStatusSuccess, e.Status)
	assert.Equal(t, pkglogger.Redacted, e.RequestBody["password"])
	assert.NotZero(t, e.CreatedAt)
}

func TestAuditService_RecordRedactsCallerBody(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	svc.Record(context.Background(), &models.AuditLog{
		ActionType:  models.ActionUpdate,
		RequestBody: models.AuditMetadata{"new_password": "Hunter-2-secret", "note": "kept"},
	})

	require.Len(t, primary.audits, 1)
	assert.Equal(t, pkglogger.Redacted, primary.audits[0].RequestBody["new_password"])
	assert.Equal(t, "kept", primary.audits[0].RequestBody["note"])
}

func TestAuditService_RecordTokenRejected(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	svc.RecordTokenRejected(requestContext(), auth.ReasonInvalidToken)

	require.Len(t, primary.audits, 1)
	e := primary.audits[0]
	assert.Equal(t, models.ActionLoginFailed, e.ActionType)
	assert.Equal(t, models.AuditStatusFailed, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, auth.ReasonInvalidToken, *e.ErrorMessage)
	assert.Nil(t, e.UserID)
	assert.Equal(t, "10.0.0.7", e.IPAddress)
	assert.Empty(t, primary.logins, "no login attempt was made")
}

// With the primary store down the record lands in the backup file and is
// replayed once the store recovers.
func TestAuditService_FailoverAndRecovery(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)
	primary.setDown(true)

	outcome := svc.RecordAction(context.Background(), &auth.Claims{UserID: "admin-1", Username: "admin"},
		models.ActionPermissionChange, "role", "hr_viewer", "system", "set 2 permission(s)")
	assert.Equal(t, audit.OutcomeWrittenBackup, outcome)

	status, err := svc.BackupStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)

	primary.setDown(false)
	report := svc.RecoverBackup(context.Background(), &auth.Claims{UserID: "admin-1"})
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.Failed)

	require.Len(t, primary.audits, 2)
	assert.Equal(t, models.ActionPermissionChange, primary.audits[0].ActionType)
	assert.Equal(t, "admin-1", *primary.audits[0].UserID)
	assert.Equal(t, models.ActionAuditRecover, primary.audits[1].ActionType)

	status, err = svc.BackupStatus()
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
}

func TestAuditService_RecoverWithNothingPendingIsSilent(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	report := svc.RecoverBackup(context.Background(), nil)
	assert.Zero(t, report.Recovered)
	assert.Empty(t, primary.audits)
}

func TestAuditService_RecordLogin(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	svc.RecordLogin(requestContext(), LoginEvent{UserID: "u-1", Username: "jdoe", Success: true, Token: "tok"})
	svc.RecordLogin(requestContext(), LoginEvent{Username: "ghost", FailureReason: "unknown_user"})

	require.Len(t, primary.logins, 2)
	ok := primary.logins[0]
	assert.True(t, ok.IsCurrent)
	assert.Equal(t, models.LoginMechanismPassword, ok.Mechanism)
	require.NotNil(t, ok.TokenHash)
	assert.Equal(t, HashSessionToken("tok"), *ok.TokenHash)
	assert.Len(t, *ok.TokenHash, tokenHashLength)
	assert.Equal(t, "10.0.0.7", ok.IPAddress)

	failed := primary.logins[1]
	assert.False(t, failed.IsCurrent)
	assert.Nil(t, failed.UserID)
	assert.Equal(t, "unknown_user", *failed.FailureReason)

	require.Len(t, primary.audits, 2)
	assert.Equal(t, models.ActionLogin, primary.audits[0].ActionType)
	assert.Equal(t, models.ActionLoginFailed, primary.audits[1].ActionType)
	assert.Equal(t, models.AuditStatusFailed, primary.audits[1].Status)
}

func TestAuditService_RecordLogout(t *testing.T) {
	svc, primary, repo := newAuditFixture(t)
	var closed string
	repo.MarkLogoutFunc = func(ctx context.Context, tokenHash string, at time.Time) (int64, error) {
		closed = tokenHash
		return 1, nil
	}

	svc.RecordLogout(context.Background(), &auth.Claims{UserID: "u-1", Username: "jdoe"}, "tok")
	assert.Equal(t, HashSessionToken("tok"), closed)
	require.Len(t, primary.audits, 1)
	assert.Equal(t, models.ActionLogout, primary.audits[0].ActionType)
}

func TestAuditService_RecordAccessDenied(t *testing.T) {
	svc, primary, _ := newAuditFixture(t)

	svc.RecordAccessDenied(context.Background(), &auth.Claims{UserID: "u-1"}, []string{"hr:employee:delete"})

	require.Len(t, primary.audits, 1)
	e := primary.audits[0]
	assert.Equal(t, models.ActionAccessDenied, e.ActionType)
	assert.Equal(t, models.AuditStatusFailed, e.Status)
	assert.Equal(t, "hr", *e.Module)
	assert.Equal(t, []any{"hr:employee:delete"}, e.RequestBody["denied_permissions"])
}

func TestAuditService_Query(t *testing.T) {
	svc, _, repo := newAuditFixture(t)
	var got models.AuditQuery
	repo.QueryFunc = func(ctx context.Context, q models.AuditQuery) (*models.Page[*models.AuditLog], error) {
		got = q
		return &models.Page[*models.AuditLog]{Page: q.Page, PageSize: q.PageSize}, nil
	}

	from := time.Now()
	to := from.Add(-time.Hour)
	_, err := svc.Query(context.Background(), models.AuditQuery{From: &from, To: &to})
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	_, err = svc.Query(context.Background(), models.AuditQuery{ActionType: models.ActionLogin})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Page)
	assert.Equal(t, models.DefaultPageSize, got.PageSize)
}

func TestAuditService_SecurityEvents(t *testing.T) {
	svc, _, repo := newAuditFixture(t)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	var since time.Time
	repo.SecurityEventsFunc = func(ctx context.Context, s time.Time, page, pageSize int) (*models.Page[*models.AuditLog], error) {
		since = s
		return &models.Page[*models.AuditLog]{}, nil
	}

	_, err := svc.SecurityEvents(context.Background(), 0, 1, 10)
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	_, err = svc.SecurityEvents(context.Background(), 24*time.Hour, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(-24*time.Hour), since)
}
