package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/auth"
)

// BackupRecoverer replays parked audit records into the primary store.
type BackupRecoverer interface {
	BackupStatus() (audit.BackupStatus, error)
	RecoverBackup(ctx context.Context, actor *auth.Claims) audit.RecoveryReport
}

// RecoveryWorker periodically drains the audit backup file once the
// database is reachable again.
type RecoveryWorker struct {
	recoverer BackupRecoverer
	logger    *slog.Logger
	interval  time.Duration
	timeout   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRecoveryWorker creates a new recovery worker
func NewRecoveryWorker(recoverer BackupRecoverer, logger *slog.Logger, interval time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RecoveryWorker{
		recoverer: recoverer,
		logger:    logger,
		interval:  interval,
		timeout:   2 * time.Minute,
		stopCh:    make(chan struct{}),
	}
}

// Start runs until ctx is cancelled or Stop is called.
func (w *RecoveryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on startup
	w.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.stopCh:
			w.logger.Info("audit recovery worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("audit recovery worker context cancelled")
			return
		}
	}
}

// RunOnce replays the backup when it holds pending lines. The report is
// returned for callers that want it; a skipped run returns false.
func (w *RecoveryWorker) RunOnce(ctx context.Context) (audit.RecoveryReport, bool) {
	status, err := w.recoverer.BackupStatus()
	if err != nil {
		w.logger.Error("failed to read audit backup status", slog.Any("error", err))
		return audit.RecoveryReport{}, false
	}
	if status.Pending == 0 {
		return audit.RecoveryReport{}, false
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// A nil actor marks the replay as system-initiated.
	report := w.recoverer.RecoverBackup(runCtx, nil)
	level := slog.LevelInfo
	if report.Failed > 0 || report.Interrupted {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "audit backup recovery completed",
		slog.Int("pending", status.Pending),
		slog.Int("recovered", report.Recovered),
		slog.Int("failed", report.Failed),
		slog.Int("malformed", report.Malformed),
		slog.Bool("interrupted", report.Interrupted))
	return report, true
}

// Stop signals the worker to stop. It is safe to call more than once.
func (w *RecoveryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}
