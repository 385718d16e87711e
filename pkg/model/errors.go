package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("dashboard not found")
	ErrConflict             = errors.New("conflict")
	ErrAlreadyInProgress    = errors.New("build already in progress")
	ErrToolchainUnavailable = errors.New("toolchain unavailable")
)

// ConflictError returns an error matching ErrConflict with a reason attached.
func ConflictError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// BuildFailedError carries the diagnostic of the stage that failed.
type BuildFailedError struct {
	Stage      string
	Diagnostic string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Diagnostic)
}
