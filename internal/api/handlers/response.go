// Package handlers contains the HTTP handlers for the CareIntake API: signup
// checkout, discount validation, the Stripe webhook, entitlement and
// questionnaire documents.
package handlers

import (
	"errors"
	"net/http"

	"careintake/internal/core"
	"careintake/internal/types"
)

// describeError returns the status and client-visible detail for err.
// Anything that is not an AppError is reported as an opaque 500.
func describeError(r *http.Request, err error) (int, core.ErrorDetail) {
	detail := core.ErrorDetail{RequestID: types.GetRequestID(r.Context())}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		detail.Code = string(types.ErrCodeInternalUnexpected)
		detail.Message = "an unexpected error occurred"
		return http.StatusInternalServerError, detail
	}
	detail.Code = string(appErr.Code)
	detail.Message = appErr.Message
	detail.Details = appErr.Details
	return appErr.HTTPStatus(), detail
}

// retryable reports whether the client should offer "try again".
func retryable(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code.Retryable()
}
