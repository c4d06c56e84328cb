package cbtree

import (
	"errors"
	"fmt"
)

// Error represents a cbtree error with an error code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cbtree: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("cbtree: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode classifies cbtree failures.
type ErrorCode int

const (
	// ErrCorrupted indicates a broken structural invariant: a sibling
	// back-link mismatch, an unexpected page kind, or a dangling parent
	// pointer. Never repaired silently.
	ErrCorrupted ErrorCode = iota + 1

	// ErrInvalid indicates the meta record is not a cbtree (bad magic or
	// version), or an argument such as position zero that the tree cannot
	// represent.
	ErrInvalid

	// ErrPageFull indicates a page could not take a tuple even after a
	// split. Given the fixed tuple size this cannot happen on a well-formed
	// page; it is treated as a fatal invariant violation.
	ErrPageFull

	// ErrPageNotFound indicates a page number outside the store.
	ErrPageNotFound

	// ErrNotEmpty indicates a bulk build was attempted on a store that
	// already contains pages.
	ErrNotEmpty
)

// CodeOf extracts the ErrorCode from err, or 0 if err is not a cbtree error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func corruptErr(pg pgno, format string, args ...any) *Error {
	return &Error{
		Code:    ErrCorrupted,
		Message: fmt.Sprintf("page %d: %s", pg, fmt.Sprintf(format, args...)),
	}
}

func invalidErr(format string, args ...any) *Error {
	return &Error{Code: ErrInvalid, Message: fmt.Sprintf(format, args...)}
}

func pageFullErr(pg pgno) *Error {
	return &Error{
		Code:    ErrPageFull,
		Message: fmt.Sprintf("page %d: no room for tuple after split", pg),
	}
}

func pageRangeErr(pg pgno) *Error {
	return &Error{
		Code:    ErrPageNotFound,
		Message: fmt.Sprintf("page %d: outside the store", pg),
	}
}
