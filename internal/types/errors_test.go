package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidEmail,
		Message: "email must contain @",
	}

	expected := "validation_invalid_email: email must contain @"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	appErr := NewAppError(ErrCodeInternalDB, "failed to insert account", underlying)

	if !errors.Is(appErr, underlying) {
		t.Errorf("errors.Is did not find the underlying error")
	}
}

func TestCodeOfWrapped(t *testing.T) {
	appErr := NewAppError(ErrCodeConflictEmail, "account exists", nil)
	wrapped := fmt.Errorf("checkout: %w", appErr)

	if got := CodeOf(wrapped); got != ErrCodeConflictEmail {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCodeConflictEmail)
	}
	if !IsCode(wrapped, ErrCodeConflictEmail) {
		t.Errorf("IsCode() = false, want true")
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternalUnexpected {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrCodeInternalUnexpected)
	}
}

func TestWithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeValidationMissingField, "missing", nil, map[string]any{"field": "email"})
	copied := orig.WithDetails(map[string]any{"hint": "required"})

	if _, ok := orig.Details["hint"]; ok {
		t.Errorf("WithDetails mutated the original error")
	}
	if copied.Details["field"] != "email" || copied.Details["hint"] != "required" {
		t.Errorf("WithDetails merged details = %v", copied.Details)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidDiscount, http.StatusBadRequest},
		{ErrCodeValidationPasswordTooShort, http.StatusBadRequest},
		{ErrCodeAuthSignatureInvalid, http.StatusBadRequest},
		{ErrCodeAuthSignatureMissing, http.StatusBadRequest},
		{ErrCodeAuthUserMissing, http.StatusUnauthorized},
		{ErrCodePermissionEntitlement, http.StatusForbidden},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeNotFoundAccount, http.StatusNotFound},
		{ErrCodeConflictEmail, http.StatusConflict},
		{ErrCodeEmailBlocked, http.StatusForbidden},
		{ErrCodeInternalProvisioningTimeout, http.StatusServiceUnavailable},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamEmailProvider, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrCodeUpstreamStripe, ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited, ErrCodeInternalProvisioningTimeout}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s.Retryable() = false, want true", c)
		}
	}

	final := []ErrorCode{ErrCodeValidationInvalidDiscount, ErrCodeConflictEmail, ErrCodeInternalDB}
	for _, c := range final {
		if c.Retryable() {
			t.Errorf("%s.Retryable() = true, want false", c)
		}
	}
}
