package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrDuplicateTitle = errors.New("title must be unique")
	ErrReservedTitle  = errors.New("title cannot be a column name")
	ErrNoEligibleUser = errors.New("no eligible user to assign")
	ErrUnauthorized   = errors.New("unauthorized")
)

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError is returned when an edit was based on a stale copy of the
// task. It carries the rejected draft and the record currently stored so the
// editor can choose between overwriting and discarding.
type ConflictError struct {
	Draft   UpdateTask `json:"draft"`
	Current TaskView   `json:"current"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s was modified by someone else (revision %d)", e.Current.ID, e.Current.Revision)
}

// StorageError wraps a failure of the record store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// AsConflict unwraps a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Error codes carried in HTTP error bodies.
const (
	CodeNotFound         = "not_found"
	CodeDuplicateTitle   = "duplicate_title"
	CodeReservedTitle    = "reserved_title"
	CodeInvalid          = "invalid"
	CodeConflict         = "conflict"
	CodeNoEligibleUser   = "no_eligible_user"
	CodeUnauthorized     = "unauthorized"
	CodeDuplicateRequest = "duplicate_request"
	CodeStorage          = "storage"
)

// CodeOf classifies err into one of the error codes.
func CodeOf(err error) string {
	var (
		ve *ValidationError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ce):
		return CodeConflict
	case errors.As(err, &ve):
		return CodeInvalid
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicateTitle):
		return CodeDuplicateTitle
	case errors.Is(err, ErrReservedTitle):
		return CodeReservedTitle
	case errors.Is(err, ErrNoEligibleUser):
		return CodeNoEligibleUser
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	}
	return CodeStorage
}

// ErrorForCode maps an error code received from the API back to the sentinel
// it was produced from. Unknown codes yield a plain error with msg.
func ErrorForCode(code, msg string) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeDuplicateTitle:
		return ErrDuplicateTitle
	case CodeReservedTitle:
		return ErrReservedTitle
	case CodeNoEligibleUser:
		return ErrNoEligibleUser
	case CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case CodeInvalid:
		return &ValidationError{Reason: msg}
	case CodeStorage:
		return &StorageError{Op: "remote", Err: errors.New(msg)}
	}
	return errors.New(msg)
}
