package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dimagi/casecore/internal/domain"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest          ErrorCode = "bad_request"
	ErrCodeNotFound            ErrorCode = "not_found"
	ErrCodeValidationFailed    ErrorCode = "validation_failed"
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeForbidden           ErrorCode = "forbidden"
	ErrCodeMalformedSubmission ErrorCode = "malformed_submission"
	ErrCodeConflict            ErrorCode = "conflict"

	// Server errors (5xx)
	ErrCodeInternalError       ErrorCode = "internal_error"
	ErrCodeDatabaseError       ErrorCode = "database_error"
	ErrCodeServiceError        ErrorCode = "service_error"
	ErrCodeProjectionError     ErrorCode = "projection_error"
	ErrCodeLedgerInconsistency ErrorCode = "ledger_inconsistency"
	ErrCodeRebuildTimeout      ErrorCode = "rebuild_timeout"
)

// APIError represents a structured API error that carries error code and details
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	jsonErr, _ := json.Marshal(e)
	return string(jsonErr)
}

// Error constructors for common error types
func NewBadRequestError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeBadRequest,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewNotFoundError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewValidationError(details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeValidationFailed,
		Message: "Validation failed",
		Details: strings.Join(details, ", "),
	}
}

func NewUnauthorizedError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewForbiddenError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewInternalError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeInternalError,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewServiceError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeServiceError,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

// FromDomainError maps an engine error to an HTTP status and an APIError.
// Errors that do not match a domain sentinel are internal errors; their text is not exposed.
func FromDomainError(err error, message string) (int, *APIError) {
	detail := err.Error()

	switch {
	case errors.Is(err, domain.ErrMalformedSubmission):
		return http.StatusUnprocessableEntity, &APIError{Code: ErrCodeMalformedSubmission, Message: message, Details: detail}
	case errors.Is(err, domain.ErrFormNotFound),
		errors.Is(err, domain.ErrCaseNotFound),
		errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound, NewNotFoundError(message, detail)
	case errors.Is(err, domain.ErrInvalidFormState),
		errors.Is(err, domain.ErrCheckpointRegression):
		return http.StatusConflict, &APIError{Code: ErrCodeConflict, Message: message, Details: detail}
	case errors.Is(err, domain.ErrProjection):
		return http.StatusUnprocessableEntity, &APIError{Code: ErrCodeProjectionError, Message: message, Details: detail}
	case errors.Is(err, domain.ErrLedgerInconsistency):
		return http.StatusConflict, &APIError{Code: ErrCodeLedgerInconsistency, Message: message, Details: detail}
	case errors.Is(err, domain.ErrRebuildTimeout):
		return http.StatusServiceUnavailable, &APIError{Code: ErrCodeRebuildTimeout, Message: message, Details: detail}
	}

	return http.StatusInternalServerError, NewInternalError(message)
}
