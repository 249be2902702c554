// Package audit implements the two-tier audit sink: a primary store and a
// rotating local backup file that is replayed into the primary store once
// it recovers.
package audit

import (
	"context"

	"github.com/BradenHooton/keystone/internal/models"
)

// Outcome is the terminal state of one Record call.
type Outcome string

const (
	OutcomeWrittenPrimary Outcome = "written_primary"
	OutcomeWrittenBackup  Outcome = "written_backup"
	OutcomeLost           Outcome = "lost"
)

// Kind tags what a backup line carries.
type Kind string

const (
	KindAudit Kind = "audit"
	KindLogin Kind = "login"
)

// PrimarySink is the durable store. Writes must be idempotent on the
// record ID so a replay after a partial failure does not duplicate rows.
type PrimarySink interface {
	WriteAudit(ctx context.Context, entry *models.AuditLog) error
	WriteLogin(ctx context.Context, entry *models.LoginHistory) error
}

// BackupSink is the local fallback.
type BackupSink interface {
	Append(rec *Record) error
	Pending() ([]PendingRecord, int, error)
	MarkRecovered(p PendingRecord) error
	Compact() error
	Status() (BackupStatus, error)
}
