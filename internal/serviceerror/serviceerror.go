// Package serviceerror carries the coded error type shared by the domain
// services. Codes are dotted: "<operation>.<reason>", e.g.
// "participant.checkin.wrong_state". The HTTP layer maps reasons to statuses.
package serviceerror

import (
	"errors"
	"fmt"
	"strings"
)

// Error wraps a cause with a stable dotted code.
type Error struct {
	code string
	err  error
}

// New builds an Error with code "<operation>.<reason>" wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the full dotted code.
func (e *Error) Code() string {
	return e.code
}

// Reason returns the segment after the last dot.
func (e *Error) Reason() string {
	if idx := strings.LastIndex(e.code, "."); idx >= 0 {
		return e.code[idx+1:]
	}
	return e.code
}

// CodeOf extracts the dotted code from err when it is (or wraps) an Error.
func CodeOf(err error) (string, bool) {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code(), true
	}
	return "", false
}

// ReasonOf extracts the reason segment from err when it is (or wraps) an Error.
func ReasonOf(err error) (string, bool) {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Reason(), true
	}
	return "", false
}
