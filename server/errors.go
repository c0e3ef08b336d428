package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes from RFC 6749. The code classifies the failure
// internally and in audit logs; the HTTP response body carries only the
// human-readable message.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeUnauthorized         = "unauthorized"
	ErrorCodeServerError          = "server_error"
)

// Error is a protocol-level OAuth error: an RFC 6749 code, a message safe
// to show the caller, and the HTTP status it maps to.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Constructors for the error taxonomy. All validation failures resolve
// synchronously to one of these; persistence failures surface as
// ErrServerError and are never retried internally.
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusBadRequest)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrUnauthorized = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorized, desc, http.StatusUnauthorized)
	}

	ErrForbidden = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
