package database

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapPostgresError translates driver errors into the model taxonomy.
// Connectivity failures become ErrPersistenceFailed so the audit pipeline
// can fail over to its backup file.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return models.ErrConflict
		case "23503", "23502", "23514": // foreign key, not null, check
			return fmt.Errorf("%w: %s", models.ErrValidationFailed, pgErr.ConstraintName)
		case "57P01", "57P02", "57P03", "53300": // shutdown, too many connections
			return fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection exception class
			return fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
		}
		return err
	}

	if IsUnavailable(err) {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	return err
}

// IsUnavailable reports whether err looks like the database could not be
// reached at all.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrPersistenceFailed) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded)
}

// WithTransaction runs fn in a transaction, committing on success and
// rolling back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return MapPostgresError(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = MapPostgresError(tx.Commit(ctx))
		}
	}()

	return fn(tx)
}
