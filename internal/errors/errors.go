/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the structured error taxonomy used across the
// deployment engine. Every error that crosses a package boundary is an
// *AppError carrying a machine-readable type, an HTTP status mapping for the
// API surface, and optional details and cause for logging.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType categorizes an error for machine handling.
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeAuth             ErrorType = "auth"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeBackpressure     ErrorType = "backpressure"
	ErrorTypeSignatureInvalid ErrorType = "signature_invalid"
	ErrorTypeNodeApplyFailed  ErrorType = "node_apply_failed"
	ErrorTypeHealthDegraded   ErrorType = "health_degraded"
	ErrorTypeApprovalRejected ErrorType = "approval_rejected"
	ErrorTypeApprovalExpired  ErrorType = "approval_expired"
	ErrorTypeInconsistent     ErrorType = "inconsistent"
	ErrorTypeLockContention   ErrorType = "lock_contention"
	ErrorTypeDatabase         ErrorType = "database"
	ErrorTypeInternal         ErrorType = "internal"
)

// AppError is the structured error type used throughout the engine.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches detail text to the error, modifying it in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text to the error.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusCodeFor(t ErrorType) int {
	switch t {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict, ErrorTypeApprovalRejected:
		return http.StatusConflict
	case ErrorTypeApprovalExpired:
		return http.StatusGone
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeBackpressure:
		return http.StatusTooManyRequests
	case ErrorTypeSignatureInvalid:
		return http.StatusUnprocessableEntity
	case ErrorTypeNodeApplyFailed:
		return http.StatusBadGateway
	case ErrorTypeLockContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError wrapping an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf creates an AppError with a formatted message wrapping a cause.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// Predefined constructors for the common categories.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewBackpressureError(queueDepth int) *AppError {
	return Newf(ErrorTypeBackpressure, "deployment queue full (depth %d)", queueDepth)
}

func NewSignatureInvalidError(reason string) *AppError {
	return Newf(ErrorTypeSignatureInvalid, "artifact signature invalid: %s", reason)
}

func NewNodeApplyError(nodeID string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeNodeApplyFailed, "apply failed on node %s", nodeID)
}

func NewHealthDegradedError(detail string) *AppError {
	return Newf(ErrorTypeHealthDegraded, "health degraded: %s", detail)
}

func NewApprovalRejectedError(resolver, reason string) *AppError {
	return Newf(ErrorTypeApprovalRejected, "approval rejected by %s: %s", resolver, reason)
}

func NewApprovalExpiredError(executionID string) *AppError {
	return Newf(ErrorTypeApprovalExpired, "approval for execution %s expired", executionID)
}

func NewInconsistentError(nodeIDs []string) *AppError {
	return New(ErrorTypeInconsistent, "rollback failed; nodes require operator attention").
		WithDetails(strings.Join(nodeIDs, ","))
}

func NewLockContentionError(name string) *AppError {
	return Newf(ErrorTypeLockContention, "could not acquire lock %q within wait timeout", name)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewInternalError(cause error, message string) *AppError {
	return Wrap(cause, ErrorTypeInternal, message)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the error's type, or ErrorTypeInternal for foreign errors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the fixed, externally safe messages per category.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	BackpressureActive     string
	ConcurrentModification string
	SignatureRejected      string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	BackpressureActive:     "The system is at capacity, retry later",
	ConcurrentModification: "The resource was modified concurrently",
	SignatureRejected:      "The artifact signature could not be verified",
}

// SafeErrorMessage returns a message suitable for external callers.
// Validation messages pass through; everything else maps to a fixed string
// so internals never leak through the API.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeBackpressure:
		return ErrorMessages.BackpressureActive
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeSignatureInvalid:
		return ErrorMessages.SignatureRejected
	default:
		return "An internal error occurred"
	}
}

// LogFields extracts structured logging fields from an error.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{
		"error": err.Error(),
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain combines multiple errors into one, filtering nils. Returns nil when
// every argument is nil, the single error when only one remains, and a
// " -> " joined error otherwise.
func Chain(errs ...error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	parts := make([]string, len(nonNil))
	for i, err := range nonNil {
		parts[i] = err.Error()
	}
	return errors.New(strings.Join(parts, " -> "))
}
