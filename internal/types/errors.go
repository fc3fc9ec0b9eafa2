// Package types holds the shared CareIntake domain model: account,
// subscription, ledger and provisioning token rows, the checkout metadata
// contract, request context keys and the AppError taxonomy every layer
// returns.
//
// Error codes carry their HTTP status in the prefix (validation_ is 400,
// conflict_ is 409, upstream_ is 502 and so on). Handlers derive error
// statuses from the code.
package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these instead of literals;
// the prefix determines the HTTP status (see HTTPStatus).
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail     ErrorCode = "validation_invalid_email"
	ErrCodeValidationPasswordTooShort ErrorCode = "validation_password_too_short"
	ErrCodeValidationInvalidName      ErrorCode = "validation_invalid_name"
	ErrCodeValidationInvalidMarket    ErrorCode = "validation_invalid_market"
	ErrCodeValidationInvalidAmount    ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidDiscount  ErrorCode = "validation_invalid_discount_code"
	ErrCodeValidationInvalidPayload   ErrorCode = "validation_invalid_payload"

	// Auth (401, webhook signatures 400)
	ErrCodeAuthSignatureMissing ErrorCode = "auth_webhook_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_webhook_signature_invalid"
	ErrCodeAuthUserMissing      ErrorCode = "auth_user_missing"

	// Permission (403)
	ErrCodePermissionEntitlement ErrorCode = "permission_entitlement_required"

	// Limits (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundAccount           ErrorCode = "not_found_account"
	ErrCodeNotFoundSubscription      ErrorCode = "not_found_subscription"
	ErrCodeNotFoundProvisioningToken ErrorCode = "not_found_provisioning_token"

	// Conflict (409)
	ErrCodeConflictEmail ErrorCode = "conflict_email_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB                  ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected          ErrorCode = "internal_unexpected_error"
	ErrCodeInternalProvisioningTimeout ErrorCode = "internal_provisioning_timeout"
	ErrCodeUpstreamStripe              ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamEmailProvider       ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable         ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited         ErrorCode = "upstream_rate_limited"

	// Delivery
	ErrCodeEmailBlocked ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case c == ErrCodeAuthSignatureMissing, c == ErrCodeAuthSignatureInvalid:
		// Webhook signature failures are rejected as 400.
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden
	case c == ErrCodeRateLimit, c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeEmailBlocked:
		return http.StatusForbidden
	case c == ErrCodeInternalProvisioningTimeout:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
// Upstream failures and provisioning timeouts are transient; validation and
// conflict errors are not.
func (c ErrorCode) Retryable() bool {
	return strings.HasPrefix(string(c), "upstream_") || c == ErrCodeInternalProvisioningTimeout
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError so that formatting, status mapping and
// error chains stay consistent.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from anywhere in err's chain.
// Returns ErrCodeInternalUnexpected when no AppError is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
