// Package apperror defines the error taxonomy shared by every domain package
// and its mapping onto HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict_error"
	KindResourceInUse     Kind = "resource_in_use"
	KindSequenceExhausted Kind = "sequence_exhausted"
	KindTransient         Kind = "transient_db_error"
	KindInternal          Kind = "internal_error"
)

// Error is an application error carrying a Kind and a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation, KindConflict, KindResourceInUse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func ResourceInUse(format string, args ...interface{}) *Error {
	return &Error{Kind: KindResourceInUse, Message: fmt.Sprintf(format, args...)}
}

func SequenceExhausted(scope string, attempts int, err error) *Error {
	return &Error{
		Kind:    KindSequenceExhausted,
		Message: fmt.Sprintf("could not allocate a unique %s number after %d attempts", scope, attempts),
		Err:     err,
	}
}

func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Postgres SQLSTATE codes the service reacts to.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// IsUniqueViolation reports whether err is a unique violation, optionally
// restricted to one constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsTransient reports whether err is a lock wait, deadlock or serialization
// failure that is worth retrying at the transaction boundary.
func IsTransient(err error) bool {
	if KindOf(err) == KindTransient {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// FromDB translates a driver error into the taxonomy. what names the entity
// for NotFound messages. Errors that already carry a Kind pass through.
func FromDB(err error, what string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound("%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &Error{Kind: KindConflict, Message: fmt.Sprintf("duplicate %s", what), Err: err}
		case pgForeignKeyViolation:
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s references a missing record", what), Err: err}
		case pgCheckViolation:
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s violates a constraint", what), Err: err}
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return Transient("database contention", err)
		case pgQueryCanceled:
			return Internal("statement timeout", err)
		}
	}
	return Internal(fmt.Sprintf("%s: database error", what), err)
}
