package dberr

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes used by this package.
const (
	SQLStateSerializationFailure = "40001"
	SQLStateDeadlockDetected     = "40P01"
	SQLStateTooManyConnections   = "53300"
)

// MySQL server error numbers used by this package.
const (
	MySQLDeadlock           = 1213
	MySQLLockWaitTimeout    = 1205
	MySQLTooManyConnections = 1040
)

// Message fragments matched when the driver exposes no structured code.
// Substring matching is the fallback, never the first choice.
var (
	deadlockFragments = []string{
		"deadlock found",
		"deadlock detected",
		"serialization failure",
		"could not serialize access",
		"lock wait timeout",
		"database is locked",
	}
	tooManyFragments = []string{
		"too many connections",
		"too many clients",
		"connection limit exceeded",
	}
	lostConnectionFragments = []string{
		"server has gone away",
		"lost connection",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
	}
)

// Classify maps a driver error onto a Kind, preferring structured codes.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SQLStateSerializationFailure, SQLStateDeadlockDetected:
			return KindDeadlock
		case SQLStateTooManyConnections:
			return KindTooManyConnections
		}
		return KindDriver
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case MySQLDeadlock, MySQLLockWaitTimeout:
			return KindDeadlock
		case MySQLTooManyConnections:
			return KindTooManyConnections
		}
		return KindDriver
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, deadlockFragments) {
		return KindDeadlock
	}
	if containsAny(msg, tooManyFragments) {
		return KindTooManyConnections
	}
	if containsAny(msg, lostConnectionFragments) {
		return KindConnect
	}
	return KindUnknown
}

// IsDeadlock reports whether err looks like a deadlock or serialization
// failure worth retrying inside a transaction wrapper.
func IsDeadlock(err error) bool {
	return KindOf(err) == KindDeadlock
}

// IsTooManyConnections reports the fail-fast connect subclass: retrying
// would only worsen the condition.
func IsTooManyConnections(err error) bool {
	return KindOf(err) == KindTooManyConnections
}

// IsLostConnection reports network-level failures that a reconnect may fix.
func IsLostConnection(err error) bool {
	return KindOf(err) == KindConnect
}

// IsRetryable reports whether retrying the failed operation has a chance
// of succeeding: deadlocks (fresh transaction) and lost connections
// (fresh session). Saturation and config errors are excluded.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindDeadlock, KindConnect:
		return true
	default:
		return false
	}
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
