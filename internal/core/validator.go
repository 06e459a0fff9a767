package core

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"leadscout/internal/types"
)

// Validator wraps go-playground/validator and translates validation failures
// into AppErrors with field-keyed details, so handlers return a consistent
// 400 shape without touching the validator API directly.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with struct field names resolved from
// json tags, so error details match the wire format clients actually send.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates s against its validate tags. It returns nil on
// success, or an AppError whose Details map field names to the violated
// constraint.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the caller passed a non-struct.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation target is not a struct", err)
	}

	details := make(map[string]any, len(verrs))
	missingOnly := true
	for _, fe := range verrs {
		details[fe.Field()] = describeViolation(fe)
		if fe.Tag() != "required" {
			missingOnly = false
		}
	}

	code := types.ErrCodeValidationInvalidBody
	message := "request body failed validation"
	if missingOnly {
		code = types.ErrCodeValidationMissingField
		message = "request body is missing required fields"
	}

	return types.NewAppErrorWithDetails(code, message, err, details)
}

// describeViolation renders one field error as a short human-readable hint.
func describeViolation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
