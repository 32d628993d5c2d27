package common

import (
	"errors"
	"net/http"
)

// Common error types
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrBadRequest         = errors.New("bad request")
	ErrInternalServer     = errors.New("internal server error")
	ErrConflict           = errors.New("resource conflict")
	ErrValidation         = errors.New("validation error")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("expired token")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Stable machine-readable error codes surfaced in API responses and used by
// consumers to decide ack/retry behaviour.
const (
	CodeValidation      = "VALIDATION"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeStaleOffer      = "STALE_OFFER"
	CodeOutOfOrder      = "WAYPOINT_OUT_OF_ORDER"
	CodeBadCode         = "CONFIRMATION_CODE_MISMATCH"
	CodeDuplicatePayout = "DUPLICATE_PAYOUT"
	CodeUpstream        = "UPSTREAM_UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithErrorCode attaches a stable machine-readable code.
func (e *AppError) WithErrorCode(code string) *AppError {
	e.ErrorCode = code
	return e
}

// NewAppError creates a new AppError
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func NewNotFoundError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusNotFound,
		ErrorCode: CodeNotFound,
		Message:   message,
		Err:       err,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:      http.StatusUnauthorized,
		ErrorCode: CodeUnauthorized,
		Message:   message,
		Err:       ErrUnauthorized,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:      http.StatusForbidden,
		ErrorCode: CodeForbidden,
		Message:   message,
		Err:       ErrForbidden,
	}
}

func NewBadRequestError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: CodeValidation,
		Message:   message,
		Err:       err,
	}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusInternalServerError,
		ErrorCode: CodeInternal,
		Message:   message,
		Err:       err,
	}
}

func NewInternalServerError(message string) *AppError {
	return &AppError{
		Code:      http.StatusInternalServerError,
		ErrorCode: CodeInternal,
		Message:   message,
		Err:       ErrInternalServer,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: CodeConflict,
		Message:   message,
		Err:       ErrConflict,
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: CodeValidation,
		Message:   message,
		Err:       ErrValidation,
	}
}

// NewUpstreamError marks a transient upstream failure (routing, push,
// payment gateway). Consumers treat it as retryable.
func NewUpstreamError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusBadGateway,
		ErrorCode: CodeUpstream,
		Message:   message,
		Err:       err,
	}
}

// IsConflict reports whether err is a conflict-class AppError.
func IsConflict(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == http.StatusConflict
}

// IsNotFound reports whether err is a not-found-class AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == http.StatusNotFound
}
