// Package apperr defines the error taxonomy shared by the billing and sync core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidAmount = &Error{
		Code:    "INVALID_AMOUNT",
		Message: "Amount must be positive",
		Status:  http.StatusUnprocessableEntity,
	}

	ErrInsufficientFunds = &Error{
		Code:    "INSUFFICIENT_FUNDS",
		Message: "Wallet balance does not cover the charge",
		Status:  http.StatusPaymentRequired,
	}

	ErrInvalidTransition = &Error{
		Code:    "INVALID_TRANSITION",
		Message: "Requested state is not reachable from the current state",
		Status:  http.StatusConflict,
	}

	ErrSyncFailed = &Error{
		Code:    "SYNC_FAILED",
		Message: "Enforcement endpoint did not acknowledge the command",
		Status:  http.StatusBadGateway,
	}

	// ErrConcurrentModification is returned when a client's lock is held or its
	// row version moved underneath the operation.
	ErrConcurrentModification = &Error{
		Code:    "CONCURRENT_MODIFICATION",
		Message: "Client is being modified by another operation",
		Status:  http.StatusConflict,
	}

	ErrDuplicateReference = &Error{
		Code:    "DUPLICATE_REFERENCE",
		Message: "Reference number already recorded",
		Status:  http.StatusConflict,
	}

	ErrMalformedRequest = &Error{
		Code:    "MALFORMED_REQUEST",
		Message: "Malformed request",
		Status:  http.StatusBadRequest,
	}

	ErrNotFound = &Error{
		Code:    "NOT_FOUND",
		Message: "Resource not found",
		Status:  http.StatusNotFound,
	}
)

// Error is a classified core error.
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so wrapped copies compare equal to
// the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap attaches err as the cause of a copy of kind.
func Wrap(err error, kind *Error) *Error {
	return &Error{
		Code:    kind.Code,
		Message: kind.Message,
		Status:  kind.Status,
		Err:     err,
	}
}

// Newf returns a copy of kind with a specific message.
func Newf(kind *Error, format string, args ...any) *Error {
	return &Error{
		Code:    kind.Code,
		Message: fmt.Sprintf(format, args...),
		Status:  kind.Status,
	}
}

// As extracts the classified error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
