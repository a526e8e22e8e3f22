package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a stage failure so the orchestrator's retry policy
// is driven by data rather than by matching concrete error types
type ErrorKind string

const (
	// ErrKindRecoverable covers transient failures (rate limits, momentary
	// network errors); retried with bounded backoff at the point of failure
	ErrKindRecoverable ErrorKind = "recoverable"
	// ErrKindInput covers permanent input failures (no person detected,
	// malformed input); fail fast, no retry
	ErrKindInput ErrorKind = "input"
	// ErrKindResource covers exhaustion (GPU OOM, storage full); triggers an
	// emergency storage sweep before the task is failed
	ErrKindResource ErrorKind = "resource"
	// ErrKindExternal covers remote-service failures (render API outage,
	// persistent rejection); bounded retries of the status check only
	ErrKindExternal ErrorKind = "external"
)

// StageError is the error type returned by stage adapters and classified by
// the orchestrator
type StageError struct {
	Stage      Stage
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration // backoff hint from a rate-limited remote service
	Err        error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewInputError creates a permanent input error
func NewInputError(code, message string) *StageError {
	return &StageError{Kind: ErrKindInput, Code: code, Message: message}
}

// NewRecoverableError creates a transient error eligible for retry
func NewRecoverableError(code, message string, err error) *StageError {
	return &StageError{Kind: ErrKindRecoverable, Code: code, Message: message, Err: err}
}

// NewResourceError creates a resource-exhaustion error
func NewResourceError(code, message string, err error) *StageError {
	return &StageError{Kind: ErrKindResource, Code: code, Message: message, Err: err}
}

// NewExternalError creates a remote-service error
func NewExternalError(code, message string, err error) *StageError {
	return &StageError{Kind: ErrKindExternal, Code: code, Message: message, Err: err}
}

// KindOf extracts the error kind from an error chain; unclassified errors
// default to external
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrKindExternal
}

// CodeOf extracts the stable error code from an error chain
func CodeOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return "internal_error"
}
