package services

import (
	"errors"
	"fmt"

	"github.com/promptarena/arena/pkg/models"
)

var (
	// ErrRunNotFound is returned when a run id resolves to nothing visible to the tenant.
	ErrRunNotFound = errors.New("run not found")

	// ErrDocumentNotFound is returned when a document id is unknown.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrAlreadyAttached is returned when a document is attached to the same run twice.
	ErrAlreadyAttached = errors.New("document already attached")

	// ErrNotAttached is returned when detaching a document that is not on the run.
	ErrNotAttached = errors.New("document not attached")

	// ErrRunTerminal is returned when an operation requires a non-terminal run.
	ErrRunTerminal = errors.New("run already terminal")

	// ErrRunNotPending is returned when documents are modified after a run left pending.
	ErrRunNotPending = errors.New("run is not pending")

	// ErrInvalidTransition is returned when a status change is outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrKeyNotFound is returned when a tenant has no stored key for a provider.
	ErrKeyNotFound = errors.New("provider key not found")
)

// Machine-readable error codes surfaced in API error bodies.
const (
	CodeRunNotFound             = "RUN_NOT_FOUND"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeRunAlreadyTerminal      = "RUN_ALREADY_TERMINAL"
	CodeDocumentNotFound        = "DOCUMENT_NOT_FOUND"
	CodeDocumentAlreadyAttached = "DOCUMENT_ALREADY_ATTACHED"
	CodeDocumentNotAttached     = "DOCUMENT_NOT_ATTACHED"
	CodeRunNotPending           = "RUN_NOT_PENDING"
	CodeKeyNotFound             = "PROVIDER_KEY_NOT_FOUND"
	CodeValidation              = "VALIDATION_ERROR"
	CodeAuth                    = "AUTH_ERROR"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternal                = "INTERNAL_ERROR"
)

// ErrorCode maps a service error to its machine-readable code, or CodeInternal.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return CodeRunNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidStatusTransition
	case errors.Is(err, ErrRunTerminal):
		return CodeRunAlreadyTerminal
	case errors.Is(err, ErrDocumentNotFound):
		return CodeDocumentNotFound
	case errors.Is(err, ErrAlreadyAttached):
		return CodeDocumentAlreadyAttached
	case errors.Is(err, ErrNotAttached):
		return CodeDocumentNotAttached
	case errors.Is(err, ErrRunNotPending):
		return CodeRunNotPending
	case errors.Is(err, ErrKeyNotFound):
		return CodeKeyNotFound
	case IsValidationError(err):
		return CodeValidation
	}
	return CodeInternal
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransitionError records the rejected edge of a status change. It matches
// ErrInvalidTransition under errors.Is.
type TransitionError struct {
	RunID string
	From  models.RunStatus
	To    models.RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid status transition %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
