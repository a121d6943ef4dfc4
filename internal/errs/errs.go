// Package errs provides coded errors for the directory core.
//
// Every failure that crosses a package boundary toward a session carries a
// Code so callers can branch on the kind of failure without string matching:
//
//	if errs.Is(err, errs.UniquenessConflict) {
//	    // offer another value
//	}
//
// Stack traces are captured through github.com/pkg/errors.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies the kind of an error.
type Code string

// Error codes.
const (
	SchemaError            Code = "SchemaError"
	NotFound               Code = "NotFound"
	ValidationFailure      Code = "ValidationFailure"
	UniquenessConflict     Code = "UniquenessConflict"
	ConcurrentEditConflict Code = "ConcurrentEditConflict"
	DurabilityFailure      Code = "DurabilityFailure"
	QuerySyntaxError       Code = "QuerySyntaxError"
	TaskFailure            Code = "TaskFailure"
	CheckpointNotFound     Code = "CheckpointNotFound"
	AccessDenied           Code = "AccessDenied"
	TransactionClosed      Code = "TransactionClosed"
)

// Error is a coded error. Field names the offending field for field-scoped
// failures; Pos is the byte offset for query syntax errors (-1 if unset).
type Error struct {
	Code    Code
	Message string
	Field   string
	Pos     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Pos >= 0:
		return fmt.Sprintf("%s at position %d: %s", e.Code, e.Pos, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a coded error with a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(&Error{Code: code, Message: message, Pos: -1})
}

// Newf returns a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Field returns a field-scoped coded error.
func Field(code Code, field, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...), Field: field, Pos: -1})
}

// At returns a coded error carrying a position.
func At(code Code, pos int, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...), Pos: pos})
}

// Is reports whether err (or anything it wraps) carries code.
func Is(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// CodeOf returns the code of err, or "" if err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As returns the *Error carried by err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Wrap annotates err with a message, keeping its code.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message, keeping its code.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Durability wraps an I/O failure as a DurabilityFailure.
func Durability(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Code: DurabilityFailure, Message: message + ": " + err.Error(), Pos: -1})
}
