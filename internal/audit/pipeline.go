package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxReportedErrors   = 20
)

// RecoveryReport summarises one replay of the backup file.
type RecoveryReport struct {
	Recovered   int      `json:"recovered"`
	Failed      int      `json:"failed"`
	Malformed   int      `json:"malformed"`
	Errors      []string `json:"errors"`
	Interrupted bool     `json:"interrupted"`
}

// Pipeline writes audit and login records to the primary sink and falls
// back to the backup sink. It never returns an error to its callers.
type Pipeline struct {
	primary      PrimarySink
	backup       BackupSink
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
	observe      func(Kind, Outcome)

	recovering sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver registers a callback invoked with every outcome.
func WithObserver(fn func(Kind, Outcome)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// WithWriteTimeout bounds each primary write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.writeTimeout = d }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline. backup may be nil, in which case a
// primary failure loses the record.
func NewPipeline(primary PrimarySink, backup BackupSink, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		primary:      primary,
		backup:       backup,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		observe:      func(Kind, Outcome) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// primaryContext detaches from the request so a client disconnect does not
// push the record into the backup tier.
func (p *Pipeline) primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
}

// Record persists an audit entry. ID and CreatedAt are assigned here when
// unset so a backup line replays to the same primary row.
func (p *Pipeline) Record(ctx context.Context, entry *models.AuditLog) Outcome {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = p.now().UTC()
	}

	wctx, cancel := p.primaryContext(ctx)
	err := p.primary.WriteAudit(wctx, entry)
	cancel()
	if err == nil {
		return p.finish(KindAudit, OutcomeWrittenPrimary)
	}

	p.logger.WarnContext(ctx, "audit primary write failed, using backup",
		slog.String("audit_id", entry.ID.String()),
		slog.String("action_type", entry.ActionType),
		slog.Any("error", err))

	if p.backup != nil {
		berr := p.backup.Append(&Record{Kind: KindAudit, Audit: entry})
		if berr == nil {
			return p.finish(KindAudit, OutcomeWrittenBackup)
		}
		err = fmt.Errorf("%v; backup: %w", err, berr)
	}

	p.logger.Log(ctx, pkglogger.LevelCritical, "audit entry lost",
		slog.String("audit_id", entry.ID.String()),
		slog.String("action_type", entry.ActionType),
		slog.Any("user_id", entry.UserID),
		slog.Any("resource_type", entry.ResourceType),
		slog.Any("resource_id", entry.ResourceID),
		slog.String("description", entry.Description),
		slog.String("status", entry.Status),
		slog.Time("created_at", entry.CreatedAt),
		slog.Any("error", err))
	return p.finish(KindAudit, OutcomeLost)
}

// RecordLogin persists a login history entry with the same failover.
func (p *Pipeline) RecordLogin(ctx context.Context, entry *models.LoginHistory) Outcome {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.LoginAt.IsZero() {
		entry.LoginAt = p.now().UTC()
	}

	wctx, cancel := p.primaryContext(ctx)
	err := p.primary.WriteLogin(wctx, entry)
	cancel()
	if err == nil {
		return p.finish(KindLogin, OutcomeWrittenPrimary)
	}

	p.logger.WarnContext(ctx, "login history primary write failed, using backup",
		slog.String("login_id", entry.ID.String()),
		slog.Any("error", err))

	if p.backup != nil {
		berr := p.backup.Append(&Record{Kind: KindLogin, Login: entry})
		if berr == nil {
			return p.finish(KindLogin, OutcomeWrittenBackup)
		}
		err = fmt.Errorf("%v; backup: %w", err, berr)
	}

	p.logger.Log(ctx, pkglogger.LevelCritical, "login history entry lost",
		slog.String("login_id", entry.ID.String()),
		slog.Any("user_id", entry.UserID),
		slog.String("username", entry.Username),
		slog.Bool("success", entry.Success),
		slog.Time("login_at", entry.LoginAt),
		slog.Any("error", err))
	return p.finish(KindLogin, OutcomeLost)
}

func (p *Pipeline) finish(kind Kind, o Outcome) Outcome {
	p.observe(kind, o)
	return o
}

// Recover replays pending backup records into the primary sink. Each
// replayed record is flagged on disk before the next one is attempted;
// cancellation is honoured between records. Only one recovery runs at a
// time.
func (p *Pipeline) Recover(ctx context.Context) RecoveryReport {
	report := RecoveryReport{Errors: []string{}}
	if p.backup == nil {
		return report
	}

	if !p.recovering.TryLock() {
		report.Errors = append(report.Errors, "recovery already in progress")
		return report
	}
	defer p.recovering.Unlock()

	pending, malformed, err := p.backup.Pending()
	report.Malformed = malformed
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		if err := p.replay(ctx, rec.Record); err != nil {
			report.Failed++
			report.addError(fmt.Sprintf("%s: %v", rec.BackupID, err))
			continue
		}
		if err := p.backup.MarkRecovered(rec); err != nil {
			// The primary write is idempotent, so a later replay is harmless.
			report.Failed++
			report.addError(fmt.Sprintf("%s: mark recovered: %v", rec.BackupID, err))
			continue
		}
		report.Recovered++
	}

	if report.Recovered > 0 {
		if err := p.backup.Compact(); err != nil {
			report.addError(fmt.Sprintf("compact: %v", err))
		}
	}

	level := slog.LevelInfo
	if report.Failed > 0 {
		level = slog.LevelWarn
	}
	if report.Recovered > 0 || report.Failed > 0 || report.Interrupted {
		p.logger.Log(ctx, level, "audit backup recovery finished",
			slog.Int("recovered", report.Recovered),
			slog.Int("failed", report.Failed),
			slog.Int("malformed", report.Malformed),
			slog.Bool("interrupted", report.Interrupted))
	}
	return report
}

func (p *Pipeline) replay(ctx context.Context, rec Record) error {
	wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	switch rec.Kind {
	case KindAudit:
		if rec.Audit == nil {
			return fmt.Errorf("audit record without payload")
		}
		return p.primary.WriteAudit(wctx, rec.Audit)
	case KindLogin:
		if rec.Login == nil {
			return fmt.Errorf("login record without payload")
		}
		return p.primary.WriteLogin(wctx, rec.Login)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (r *RecoveryReport) addError(msg string) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// Status reports on the backup tier.
func (p *Pipeline) Status() (BackupStatus, error) {
	if p.backup == nil {
		return BackupStatus{}, nil
	}
	return p.backup.Status()
}
