// Package apperr defines the structured error taxonomy shared by services and transports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Caller errors: rejected immediately, never retried by the engine.
	CodeValidation     = "VALIDATION_ERROR"
	CodeTenantRequired = "TENANT_REQUIRED"
	CodeInvalidPersona = "INVALID_PERSONA"
	CodeInvalidLane    = "INVALID_LANE"

	// Resource errors
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// Configuration: a nullable tunable was left unset.
	CodeConfigMissing = "CONFIG_MISSING"

	// Downstream collaborators (telephony, CRM). Retry belongs to the caller.
	CodeTransient = "TRANSIENT_INTEGRATION"

	// Storage
	CodePersistence = "PERSISTENCE_ERROR"

	CodeInternal    = "INTERNAL_ERROR"
	CodeRateLimited = "RATE_LIMITED"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Retryable reports whether the caller may retry the operation later. Transient
// collaborator and storage failures qualify; everything else will fail again.
func (e *AppError) Retryable() bool {
	return e.Code == CodeTransient || e.Code == CodePersistence
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// =============================================================================
// Validation
// =============================================================================

func Validation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidField(field, reason string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func TenantRequired() *AppError {
	return &AppError{
		Code:    CodeTenantRequired,
		Message: "tenant identifier is required",
		Status:  http.StatusBadRequest,
	}
}

func InvalidPersona(persona string) *AppError {
	return &AppError{
		Code:    CodeInvalidPersona,
		Message: fmt.Sprintf("unknown persona: %q", persona),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"persona": persona},
	}
}

func InvalidLane(persona, lane string) *AppError {
	return &AppError{
		Code:    CodeInvalidLane,
		Message: fmt.Sprintf("lane %q is not allowed for persona %q", lane, persona),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"persona": persona, "lane": lane},
	}
}

// =============================================================================
// Resources
// =============================================================================

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// =============================================================================
// Configuration, integrations, storage
// =============================================================================

// ConfigMissing describes an unset tunable. It is logged, never returned to a caller.
func ConfigMissing(key string) *AppError {
	return &AppError{
		Code:    CodeConfigMissing,
		Message: fmt.Sprintf("configuration value not set: %s", key),
		Status:  http.StatusOK,
		Details: map[string]any{"key": key},
	}
}

func Transient(service string, err error) *AppError {
	return &AppError{
		Code:    CodeTransient,
		Message: fmt.Sprintf("downstream service unavailable: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Persistence(operation string, err error) *AppError {
	return &AppError{
		Code:    CodePersistence,
		Message: fmt.Sprintf("storage failure: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

var ErrRateLimited = New(CodeRateLimited, "too many requests", http.StatusTooManyRequests)

// =============================================================================
// Inspection
// =============================================================================

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
