package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError aggregates per-field validation failures.
type ValidationError struct {
	Errors map[string]string `json:"errors"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}

	fields := make([]string, 0, len(e.Errors))
	for field := range e.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Errors[field]))
	}
	return strings.Join(parts, "; ")
}

// AddError records a failure for a field
func (e *ValidationError) AddError(field, message string) {
	if e.Errors == nil {
		e.Errors = make(map[string]string)
	}
	e.Errors[field] = message
}

// HasErrors reports whether any field failed
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// GetFieldError returns the message recorded for a field
func (e *ValidationError) GetFieldError(field string) (string, bool) {
	msg, ok := e.Errors[field]
	return msg, ok
}

// NewValidationError converts validator tag failures into a ValidationError
func NewValidationError(errs validator.ValidationErrors) *ValidationError {
	ve := &ValidationError{Errors: make(map[string]string, len(errs))}
	for _, fe := range errs {
		ve.Errors[fe.Field()] = messageForTag(fe)
	}
	return ve
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "latitude":
		return "must be a valid latitude"
	case "longitude":
		return "must be a valid longitude"
	case "phone":
		return "must be a valid E.164 phone number"
	case "time_of_day":
		return "must be a HH:MM:SS time"
	case "iso_date":
		return "must be a YYYY-MM-DD date"
	case "oneof", "order_status", "driver_status", "waypoint_action", "payout_method", "user_role":
		return "value is not allowed"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
