package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// querier is satisfied by *sql.DB and *sql.Tx so repositories work inside
// and outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapSQLError classifies driver errors by message. SQLite reports both lock
// contention and constraint violations as plain errors through database/sql,
// so the substrings are the stable discriminator across driver versions.
func mapSQLError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case isBusyError(msg):
		return swarmerr.StoreConflictErr(op + ": write lock contention").WithCause(err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return swarmerr.StoreConflictErr(op + ": unique constraint violation").WithCause(err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return swarmerr.StoreConflictErr(op + ": foreign key violation").WithCause(err)
	default:
		return swarmerr.StoreConnectionErr(op).WithCause(err)
	}
}

func isBusyError(msg string) bool {
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation lets callers give constraint hits a more specific code
// than the generic store-conflict (relationship duplicates, for one).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
