package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrTriggerNotFound      = errors.New("trigger not found")
	ErrTriggerEventNotFound = errors.New("trigger event not found")
	ErrIntegrationNotFound  = errors.New("integration not found")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrCommitNotFound       = errors.New("commit not found")
	ErrDatasetNotFound      = errors.New("dataset not found")
	ErrTriggerEventExists   = errors.New("trigger event already exists")
)

// TriggerError wraps trigger-related errors with additional context.
type TriggerError struct {
	Op          string // Operation being performed (e.g., "ByUUID", "Save")
	TriggerUUID string
	Err         error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger %s: %v", e.Op, e.TriggerUUID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

func (e *TriggerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTriggerError(op, triggerUUID string, err error) *TriggerError {
	return &TriggerError{Op: op, TriggerUUID: triggerUUID, Err: err}
}

// TriggerEventError wraps trigger event errors with additional context.
type TriggerEventError struct {
	Op        string
	EventUUID string
	Err       error
}

func (e *TriggerEventError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger event %s: %v", e.Op, e.EventUUID, e.Err)
}

func (e *TriggerEventError) Unwrap() error {
	return e.Err
}

func (e *TriggerEventError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTriggerEventError(op, eventUUID string, err error) *TriggerEventError {
	return &TriggerEventError{Op: op, EventUUID: eventUUID, Err: err}
}

func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

func IsTriggerEventNotFound(err error) bool {
	return errors.Is(err, ErrTriggerEventNotFound)
}

func IsIntegrationNotFound(err error) bool {
	return errors.Is(err, ErrIntegrationNotFound)
}

// IsNotFound reports whether err is any of the persistence not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound) ||
		errors.Is(err, ErrTriggerEventNotFound) ||
		errors.Is(err, ErrIntegrationNotFound) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrCommitNotFound) ||
		errors.Is(err, ErrDatasetNotFound)
}
