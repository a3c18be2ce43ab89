package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roach88/tillsync/internal/remote"
)

// SQLSTATEs that mean "try again later" even though the server answered.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// classify wraps err as a *remote.Error. Server-reported integrity
// violations are business errors; connection failures, timeouts and the
// retryable SQLSTATEs above are transient. Anything unrecognized that did
// not come from the server is treated as a network problem.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	out := &remote.Error{Class: remote.Transient, Op: op, Table: table, Err: err}

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		out.Code = pgErr.Code
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			out.Class = remote.Business
		case transientCodes[pgErr.Code],
			strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"):
			out.Class = remote.Transient
		default:
			out.Class = remote.Business
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), pgconn.Timeout(err):
		out.Code = "timeout"
	}
	return out
}

// isUniqueViolation reports whether err is a unique constraint failure on
// the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
