// Package dberror classifies PostgreSQL errors so callers can decide whether
// a failed transaction is worth retrying.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	// ErrorTypeUnknown is an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	// ErrorTypeTimeout indicates the operation timed out.
	ErrorTypeTimeout
	// ErrorTypeLockTimeout indicates a row lock could not be acquired in time.
	ErrorTypeLockTimeout
	// ErrorTypeConflict indicates a deadlock or serialization failure.
	ErrorTypeConflict
	// ErrorTypeConstraint indicates a unique/foreign key/check violation.
	ErrorTypeConstraint
	// ErrorTypeAuth indicates authentication/authorization failure.
	ErrorTypeAuth
	// ErrorTypeQuery indicates a query/syntax error.
	ErrorTypeQuery
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnectivity:
		return "connectivity"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeLockTimeout:
		return "lock_timeout"
	case ErrorTypeConflict:
		return "conflict"
	case ErrorTypeConstraint:
		return "constraint"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeQuery:
		return "query"
	default:
		return "unknown"
	}
}

// SQLSTATE codes the engine reacts to.
const (
	CodeLockNotAvailable     = "55P03"
	CodeDeadlockDetected     = "40P01"
	CodeSerializationFailure = "40001"
	CodeUniqueViolation      = "23505"
)

// IsTransient returns true if the error is likely transient and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not transient (user cancelled or deadline exceeded)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout, ErrorTypeLockTimeout, ErrorTypeConflict:
		return true
	default:
		return false
	}
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == CodeUniqueViolation
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if t := classifyCode(pgErr.Code); t != ErrorTypeUnknown {
			return t
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	if pgconn.SafeToRetry(err) {
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())

	lockPatterns := []string{
		"lock timeout",
		"canceling statement due to lock timeout",
	}
	for _, pattern := range lockPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeLockTimeout
		}
	}

	connectivityPatterns := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"conn closed",
		"no such host",
		"dial tcp",
		"dial unix",
		"broken pipe",
		"network is unreachable",
		"no route to host",
		"server shutdown",
		"pool is closed",
		"closed pool",
	}
	for _, pattern := range connectivityPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeConnectivity
		}
	}

	timeoutPatterns := []string{
		"timeout",
		"timed out",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTimeout
		}
	}

	return ErrorTypeUnknown
}

func classifyCode(code string) ErrorType {
	switch code {
	case CodeLockNotAvailable:
		return ErrorTypeLockTimeout
	case CodeDeadlockDetected, CodeSerializationFailure:
		return ErrorTypeConflict
	case "57P01", "57P02", "57P03":
		return ErrorTypeConnectivity
	case "57014":
		return ErrorTypeTimeout
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return ErrorTypeConnectivity
	case strings.HasPrefix(code, "23"):
		return ErrorTypeConstraint
	case strings.HasPrefix(code, "28"):
		return ErrorTypeAuth
	case strings.HasPrefix(code, "42"):
		return ErrorTypeQuery
	}
	return ErrorTypeUnknown
}

// UserMessage returns a user-friendly error message based on the error type.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "Database temporarily unavailable. Please try again in a moment."
	case ErrorTypeTimeout, ErrorTypeLockTimeout, ErrorTypeConflict:
		return "The pool is busy. Please try again."
	case ErrorTypeAuth:
		return "Database authentication error. Please contact support."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
