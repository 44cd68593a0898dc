package routine

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("invalid state transition")
	ErrStorage    = errors.New("storage failure")

	// ErrStatusChanged is returned by Store.UpdateTaskStatus when the row no
	// longer has the expected status.
	ErrStatusChanged = errors.New("task status changed concurrently")
)

// ValidationError reports malformed rule or enrollment input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown task, enrollment or rule id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a transition that is not allowed from the current state.
type ConflictError struct {
	Kind   string
	ID     string
	From   string
	Action string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in status %s", e.Action, e.Kind, e.ID, e.From)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StorageError wraps an opaque failure from the Store. The cause stays
// reachable through errors.Is/As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// storageErr wraps err unless it is nil or already classified.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) {
		return err
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// lookupErr maps a store lookup error: ErrNotFound becomes a NotFoundError,
// anything else a StorageError.
func lookupErr(kind, id, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return storageErr(op, err)
}

// Retryable reports whether an external driver may retry the failed call.
// Only storage failures are transient; domain errors are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	return errors.Is(err, ErrStorage)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
