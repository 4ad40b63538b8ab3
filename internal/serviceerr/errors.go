// Package serviceerr defines the error codes returned by the identity provider.
// The RFC6749 codes are sent to OAuth clients verbatim; the custom codes are
// used between the domain packages and the HTTP layer.
package serviceerr

import "net/http"

type Code string

// RFC6749 Authorization errors
const (
	CodeInvalidRequest          Code = "invalid_request"
	CodeUnauthorizedClient      Code = "unauthorized_client"
	CodeAccessDenied            Code = "access_denied"
	CodeUnsupportedResponseType Code = "unsupported_response_type"
	CodeInvalidScope            Code = "invalid_scope"
	CodeServerError             Code = "server_error"
	CodeTemporarilyUnavailable  Code = "temporarily_unavailable"
)

// RFC6749 Token errors
const (
	CodeInvalidClient        Code = "invalid_client"
	CodeInvalidGrant         Code = "invalid_grant"
	CodeUnsupportedGrantType Code = "unsupported_grant_type"
)

// Custom codes
const (
	CodeUnknown              Code = "unknown"
	CodeConflict             Code = "conflict"
	CodeNotFound             Code = "not_found"
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeInvalidCSRFToken     Code = "invalid_csrf_token"
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeTooManyAttempts      Code = "too_many_attempts"
)

type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// HTTPStatus returns the status code the error is rendered with.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodeInvalidScope,
		CodeInvalidClient, CodeInvalidGrant, CodeUnsupportedGrantType:
		return http.StatusBadRequest
	case CodeUnauthorizedClient, CodeUnauthorized, CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeForbidden, CodeInvalidCSRFToken:
		return http.StatusForbidden
	case CodeUnsupportedResponseType:
		return http.StatusNotImplemented
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether target carries the same code, so wrapped errors with a
// different description still match the predefined values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Err == t.Err
}

var (
	// RFC6749 Authorization errors
	ErrInvalidRequest          = &Error{Err: CodeInvalidRequest}
	ErrUnauthorizedClient      = &Error{Err: CodeUnauthorizedClient}
	ErrAccessDenied            = &Error{Err: CodeAccessDenied}
	ErrUnsupportedResponseType = &Error{Err: CodeUnsupportedResponseType}
	ErrInvalidScope            = &Error{Err: CodeInvalidScope}
	ErrServerError             = &Error{Err: CodeServerError}
	ErrTemporarilyUnavailable  = &Error{Err: CodeTemporarilyUnavailable}

	// RFC6749 Token errors
	ErrInvalidClient        = &Error{Err: CodeInvalidClient}
	ErrInvalidGrant         = &Error{Err: CodeInvalidGrant}
	ErrUnsupportedGrantType = &Error{Err: CodeUnsupportedGrantType}

	// Custom errors
	ErrUnknown              = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrConflict             = &Error{Err: CodeConflict, Description: "already exists"}
	ErrNotFound             = &Error{Err: CodeNotFound, Description: "not found"}
	ErrUnauthorized         = &Error{Err: CodeUnauthorized, Description: "no active session"}
	ErrForbidden            = &Error{Err: CodeForbidden, Description: "insufficient privileges"}
	ErrInvalidCSRFToken     = &Error{Err: CodeInvalidCSRFToken, Description: "invalid csrf token"}
	ErrAuthenticationFailed = &Error{Err: CodeAuthenticationFailed, Description: "invalid credentials"}
	ErrTooManyAttempts      = &Error{Err: CodeTooManyAttempts, Description: "too many failed attempts"}
)

// New returns an error with the given code and description.
func New(code Code, description string) *Error {
	return &Error{Err: code, Description: description}
}
