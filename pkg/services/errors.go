// Package services provides the error taxonomy shared by the trigger, intake and batch services.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

// Validation errors (400 Bad Request).
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSenderNotAllowed   = errors.New("sender is not allowed by the trigger filters")
	ErrPayloadRejected    = errors.New("payload does not match the trigger schema")
	ErrUnknownComponent   = errors.New("unknown integration component")
	ErrIntegrationPending = errors.New("integration is not fully configured")
	ErrCommitMerged       = errors.New("cannot modify a merged commit")
)

// ErrExternal marks failures of a collaborator outside the relational store.
var ErrExternal = errors.New("external system failure")

type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindExternal   ErrorKind = "external"
	KindInternal   ErrorKind = "internal"
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	switch {
	case err == nil:
		err = ErrInvalidRequest
	case !IsValidationError(err):
		err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &ServiceError{Op: op, Code: code, Message: message, Err: err}
}

// NewExternalError wraps a collaborator failure so it classifies as KindExternal.
func NewExternalError(op string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: "external_error", Err: fmt.Errorf("%w: %w", ErrExternal, err)}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrSenderNotAllowed) ||
		errors.Is(err, ErrPayloadRejected) ||
		errors.Is(err, ErrUnknownComponent) ||
		errors.Is(err, ErrIntegrationPending) ||
		errors.Is(err, ErrCommitMerged) ||
		errors.Is(err, models.ErrInvalidConfiguration) ||
		errors.Is(err, models.ErrUnknownTriggerKind)
}

// Kind classifies err. Validation is checked before not-found so that a request naming a
// missing integration still reads as a bad request when it was wrapped as one.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case IsValidationError(err):
		return KindValidation
	case persistence.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrExternal):
		return KindExternal
	default:
		return KindInternal
	}
}
