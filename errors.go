package txn

import (
	"errors"
	"strings"
)

var (
	// ErrNoTransaction is returned by operations that require an already-open
	// transaction in the current scope.
	ErrNoTransaction = errors.New("txn: no open transaction in scope")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call before
	// the database is touched.
	ErrCircuitOpen = errors.New("txn: circuit open")

	// ErrVersionConflict signals a lost optimistic-locking race: the guarded
	// version bump matched zero rows.
	ErrVersionConflict = errors.New("txn: optimistic lock version conflict")

	// ErrVersionColumnMissing is returned when a table participating in
	// optimistic locking has no version column.
	ErrVersionColumnMissing = errors.New("txn: table has no version column")

	// ErrRetriesExhausted wraps the last error after WithRetry runs out of
	// attempts.
	ErrRetriesExhausted = errors.New("txn: retries exhausted")
)

// retryablePatterns is the fixed classification list for transient database
// failures. Matching is by substring against the lower-cased error text.
var retryablePatterns = []string{
	"serialization failure",
	"could not serialize access",
	"deadlock",
	"lock timeout",
	"lock wait timeout",
	"connection reset",
	"connection timed out",
	"connection timeout",
	"database is locked", // sqlite's flavor of a lock timeout
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit-breaker rejection, as
// opposed to a genuine operation failure.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsVersionConflict reports whether err is an optimistic-locking conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
