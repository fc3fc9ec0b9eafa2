package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"careintake/internal/types"
)

// Validator wraps go-playground/validator with the intake rules and maps
// failures to field-level AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator registers the custom tags:
//   - notblank: non-empty after trimming whitespace
//   - intake_email: contains "@" with at least one character on each side
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("intake_email", func(fl validator.FieldLevel) bool {
		local, domain, ok := strings.Cut(strings.TrimSpace(fl.Field().String()), "@")
		return ok && local != "" && domain != ""
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or a *types.AppError describing the first
// failing field in details.field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not be performed", err)
	}

	fe := fieldErrs[0]
	code, msg := describeFieldError(fe)
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{
		"field": fe.Field(),
		"rule":  fe.Tag(),
	})
}

func describeFieldError(fe validator.FieldError) (types.ErrorCode, string) {
	field := fe.Field()
	switch {
	case fe.Tag() == "required":
		return types.ErrCodeValidationMissingField, fmt.Sprintf("%s is required", field)
	case field == "email":
		return types.ErrCodeValidationInvalidEmail, "please enter a valid email address"
	case field == "password":
		return types.ErrCodeValidationPasswordTooShort, fmt.Sprintf("password must be at least %s characters", fe.Param())
	case field == "first_name" || field == "last_name":
		return types.ErrCodeValidationInvalidName, fmt.Sprintf("%s must not be blank", field)
	case field == "market_code":
		return types.ErrCodeValidationInvalidMarket, "unsupported market"
	case field == "amount":
		return types.ErrCodeValidationInvalidAmount, "amount must be a positive number of minor units"
	default:
		return types.ErrCodeValidationInvalidPayload, fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
