package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an AppError for transport mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalid
	KindConflict
	KindNotReady
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind ErrorKind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindInternal, Err: err}
}

// NewKindError constructs an AppError of the given kind.
func NewKindError(kind ErrorKind, op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: kind, Err: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
