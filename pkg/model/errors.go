package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrTimeout    ErrorCode = "TIMEOUT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the GoWQ admin API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// ValidateWorkItem checks the fields a submitted WorkItem must carry.
func ValidateWorkItem(w *WorkItem) []FieldError {
	var errs []FieldError
	if w.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "required"})
	}
	if w.Type == "" {
		errs = append(errs, FieldError{Field: "type", Message: "required"})
	}
	if w.Phase < 0 {
		errs = append(errs, FieldError{Field: "phase", Message: "must be >= 0"})
	}
	if w.DependentPhase < DependentPhaseNone {
		errs = append(errs, FieldError{Field: "dependent_phase", Message: "must be -1 (none), 0 (self) or a phase number"})
	}
	if w.MaxRetries != nil && *w.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "max_retries", Message: "must be >= 0"})
	}
	return errs
}
