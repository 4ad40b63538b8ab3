package serviceerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *serviceerr.Error
		want string
	}{
		{name: "RFC6749 code is sent bare", err: serviceerr.ErrInvalidGrant, want: "invalid_grant"},
		{name: "custom code carries its description", err: serviceerr.ErrTooManyAttempts, want: "too_many_attempts: too many failed attempts"},
		{name: "description from New", err: serviceerr.New(serviceerr.CodeNotFound, "client test"), want: "not_found: client test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code serviceerr.Code
		want int
	}{
		// authorize endpoint
		{code: serviceerr.CodeUnsupportedResponseType, want: http.StatusNotImplemented},
		{code: serviceerr.CodeUnauthorizedClient, want: http.StatusUnauthorized},
		{code: serviceerr.CodeInvalidRequest, want: http.StatusBadRequest},
		{code: serviceerr.CodeInvalidScope, want: http.StatusBadRequest},
		{code: serviceerr.CodeAccessDenied, want: http.StatusForbidden},
		{code: serviceerr.CodeTemporarilyUnavailable, want: http.StatusServiceUnavailable},

		// token endpoint
		{code: serviceerr.CodeInvalidClient, want: http.StatusBadRequest},
		{code: serviceerr.CodeInvalidGrant, want: http.StatusBadRequest},
		{code: serviceerr.CodeUnsupportedGrantType, want: http.StatusBadRequest},

		// session and form guards
		{code: serviceerr.CodeUnauthorized, want: http.StatusUnauthorized},
		{code: serviceerr.CodeAuthenticationFailed, want: http.StatusUnauthorized},
		{code: serviceerr.CodeForbidden, want: http.StatusForbidden},
		{code: serviceerr.CodeInvalidCSRFToken, want: http.StatusForbidden},
		{code: serviceerr.CodeTooManyAttempts, want: http.StatusTooManyRequests},
		{code: serviceerr.CodeNotFound, want: http.StatusNotFound},
		{code: serviceerr.CodeConflict, want: http.StatusConflict},

		{code: serviceerr.CodeServerError, want: http.StatusInternalServerError},
		{code: serviceerr.CodeUnknown, want: http.StatusInternalServerError},
		{code: "made_up", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := serviceerr.Error{Err: tt.code}
			assert.Equal(t, tt.want, err.HTTPStatus())
		})
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "wrapped error with another description",
			err:    fmt.Errorf("loading client: %w", serviceerr.New(serviceerr.CodeNotFound, "client test")),
			target: serviceerr.ErrNotFound,
			want:   true,
		},
		{
			name:   "different code",
			err:    fmt.Errorf("loading client: %w", serviceerr.ErrNotFound),
			target: serviceerr.ErrConflict,
		},
		{
			name:   "plain error with the same text",
			err:    errors.New("not_found: not found"),
			target: serviceerr.ErrNotFound,
		},
		{
			name:   "non service error target",
			err:    serviceerr.ErrInvalidGrant,
			target: errors.New("invalid_grant"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestError_As(t *testing.T) {
	err := fmt.Errorf("exchanging code: %w", serviceerr.New(serviceerr.CodeInvalidGrant, "code reused"))

	var svcErr *serviceerr.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, serviceerr.CodeInvalidGrant, svcErr.Err)
	assert.Equal(t, "code reused", svcErr.Description)
	assert.Equal(t, http.StatusBadRequest, svcErr.HTTPStatus())
}

func TestPredefinedErrors_Descriptions(t *testing.T) {
	// RFC6749 errors are rendered to clients as bare codes
	for _, err := range []*serviceerr.Error{
		serviceerr.ErrInvalidRequest, serviceerr.ErrUnauthorizedClient, serviceerr.ErrAccessDenied,
		serviceerr.ErrInvalidClient, serviceerr.ErrInvalidGrant, serviceerr.ErrUnsupportedGrantType,
	} {
		assert.Empty(t, err.Description, err.Err)
	}

	for _, err := range []*serviceerr.Error{
		serviceerr.ErrUnauthorized, serviceerr.ErrForbidden, serviceerr.ErrInvalidCSRFToken,
		serviceerr.ErrAuthenticationFailed, serviceerr.ErrTooManyAttempts,
	} {
		assert.NotEmpty(t, err.Description, err.Err)
	}
}
