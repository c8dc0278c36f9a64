package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineError represents a standardized error response
type EngineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidProtocol       = "INVALID_PROTOCOL"
	ErrProtocolNotFoundCode  = "PROTOCOL_NOT_FOUND"
	ErrProtocolLockedCode    = "PROTOCOL_LOCKED"
	ErrDuplicateProtocolCode = "DUPLICATE_PROTOCOL"
	ErrSessionNotFoundCode   = "SESSION_NOT_FOUND"
	ErrInvalidRequest        = "INVALID_REQUEST"
	ErrMetadataUnavailable   = "METADATA_UNAVAILABLE"
	ErrDatabaseError         = "DATABASE_ERROR"
	ErrInternalServer        = "INTERNAL_ERROR"
)

// Sentinel errors returned by protocol stores.
var (
	ErrProtocolNotFound  = errors.New("protocol not found")
	ErrProtocolLocked    = errors.New("protocol is locked")
	ErrDuplicateProtocol = errors.New("protocol already exists")
	ErrDefaultProtocol   = errors.New("default protocol cannot be removed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrStudyNotFound     = errors.New("study not found")
)

// ValidationError represents a protocol or request validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one validation pass.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// NewEngineError creates a new EngineError with timestamp
func NewEngineError(code, message, details, requestID string) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// CodeFor maps a store or validation error to its error code.
func CodeFor(err error) string {
	var verrs ValidationErrors
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrProtocolNotFound):
		return ErrProtocolNotFoundCode
	case errors.Is(err, ErrProtocolLocked), errors.Is(err, ErrDefaultProtocol):
		return ErrProtocolLockedCode
	case errors.Is(err, ErrDuplicateProtocol):
		return ErrDuplicateProtocolCode
	case errors.Is(err, ErrSessionNotFound):
		return ErrSessionNotFoundCode
	case errors.As(err, &verrs), errors.As(err, &verr):
		return ErrInvalidProtocol
	}
	return ErrInternalServer
}

// ValidationProblems flattens a Validate error into its individual
// problems. A nil error yields none.
func ValidationProblems(err error) ValidationErrors {
	if err == nil {
		return nil
	}
	var verrs ValidationErrors
	var verr *ValidationError
	switch {
	case errors.As(err, &verrs):
		return verrs
	case errors.As(err, &verr):
		return ValidationErrors{verr}
	}
	return ValidationErrors{NewValidationError("protocol", err.Error(), nil)}
}
