package store

import (
	"errors"
	"fmt"

	"github.com/getpup/pupstore/es"
)

var (
	// ErrInvalidArgument indicates empty, negative, or out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = fmt.Errorf("%w: no events to append", ErrInvalidArgument)

	// ErrAccessDenied indicates the caller's roles do not intersect the stream policy.
	ErrAccessDenied = errors.New("access denied")

	// ErrStreamDeleted indicates the stream is soft or hard deleted.
	ErrStreamDeleted = errors.New("stream deleted")

	// ErrWrongExpectedVersion indicates an optimistic concurrency conflict.
	ErrWrongExpectedVersion = errors.New("wrong expected version")

	// ErrNoSuchTransaction indicates the transaction id has no matching lock.
	ErrNoSuchTransaction = errors.New("no such transaction")

	// ErrLockAlreadyHeld indicates the stream is locked by an open transaction.
	ErrLockAlreadyHeld = errors.New("lock already held")

	// ErrNotInTransaction indicates the connection has no open storage transaction.
	ErrNotInTransaction = errors.New("connection is not in transaction")

	// ErrTransactionInProgress indicates the connection already has an open storage transaction.
	// Writes outside the transaction and committed-only reads are refused until it ends.
	ErrTransactionInProgress = errors.New("connection is already in transaction")

	// ErrTransactionAborted indicates a transaction can no longer commit and was rolled back.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrClosed indicates the store's connection has been closed.
	ErrClosed = errors.New("store closed")

	// ErrUserNotFound indicates a user management operation targeted an unknown user.
	ErrUserNotFound = es.ErrUserNotFound
)

// WrongExpectedVersionError carries the expectation and the stream's actual version.
// It matches ErrWrongExpectedVersion with errors.Is.
type WrongExpectedVersionError struct {
	Stream   string
	Expected es.ExpectedVersion
	// Actual is the last event number, -1 when the stream has no events.
	Actual int64
}

// Error implements error.
func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("wrong expected version for stream %q: expected %s, actual %d",
		e.Stream, e.Expected, e.Actual)
}

// Is reports whether target is ErrWrongExpectedVersion.
func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}

// AccessDeniedError names the stream and operation that were refused.
type AccessDeniedError struct {
	Stream    string
	Operation string
}

// Error implements error.
func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s on stream %q", e.Operation, e.Stream)
}

// Unwrap returns ErrAccessDenied.
func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}

// StreamDeletedError names the deleted stream.
type StreamDeletedError struct {
	Stream string
}

// Error implements error.
func (e *StreamDeletedError) Error() string {
	return fmt.Sprintf("stream %q is deleted", e.Stream)
}

// Unwrap returns ErrStreamDeleted.
func (e *StreamDeletedError) Unwrap() error {
	return ErrStreamDeleted
}

// InvalidArgument returns an error matching ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
