// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessagingErrorType represents the error categories the recoverability engine distinguishes.
type MessagingErrorType string

const (
	// ErrorTypeProcessing covers any error returned by handler code. Such errors are
	// retried per policy and never inspected further.
	ErrorTypeProcessing MessagingErrorType = "PROCESSING"

	// ErrorTypeDestination is raised by dispatchers when the target address does not exist.
	ErrorTypeDestination MessagingErrorType = "DESTINATION"

	// ErrorTypeEscalation marks a failure that happened while trying to recover.
	ErrorTypeEscalation MessagingErrorType = "ESCALATION"

	// Configuration and connection errors
	ErrorTypeConfiguration MessagingErrorType = "CONFIGURATION"
	ErrorTypeConnection    MessagingErrorType = "CONNECTION"

	// Internal system errors
	ErrorTypeInternal MessagingErrorType = "INTERNAL"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // Process-fatal, the receive loop terminates
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityLow      ErrorSeverity = "LOW"
)

// ErrorContext provides additional contextual information for errors.
type ErrorContext struct {
	// Component identifies which component generated the error
	Component string `json:"component,omitempty"`

	// Operation specifies the operation that was being performed
	Operation string `json:"operation,omitempty"`

	// Destination is the address a dispatch was targeting
	Destination string `json:"destination,omitempty"`

	// Queue is the local input queue for receive-side errors
	Queue string `json:"queue,omitempty"`

	// MessageID of the message being processed, if any
	MessageID string `json:"message_id,omitempty"`
}

// BaseMessagingError is the structured error type used across recoverbus.
type BaseMessagingError struct {
	Type      MessagingErrorType `json:"type"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Severity  ErrorSeverity      `json:"severity"`
	Retryable bool               `json:"retryable"`
	Context   ErrorContext       `json:"context"`
	Cause     error              `json:"-"`
	Timestamp time.Time          `json:"timestamp"`

	// AdditionalDetails provides extra debugging information
	AdditionalDetails map[string]interface{} `json:"additional_details,omitempty"`
}

// Error implements the error interface.
func (e *BaseMessagingError) Error() string {
	parts := []string{fmt.Sprintf("[%s:%s]", e.Type, e.Code), e.Message}

	if e.Context.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Context.Component))
	}
	if e.Context.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Context.Operation))
	}
	if e.Context.Destination != "" {
		parts = append(parts, fmt.Sprintf("destination=%s", e.Context.Destination))
	}
	if e.Context.Queue != "" {
		parts = append(parts, fmt.Sprintf("queue=%s", e.Context.Queue))
	}
	if e.Context.MessageID != "" {
		parts = append(parts, fmt.Sprintf("message_id=%s", e.Context.MessageID))
	}

	errorStr := strings.Join(parts, " ")
	if e.Cause != nil {
		errorStr += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return errorStr
}

// Unwrap implements the unwrapping interface for Go 1.13+ error handling.
func (e *BaseMessagingError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by type and code.
func (e *BaseMessagingError) Is(target error) bool {
	if t, ok := target.(*BaseMessagingError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithCause wraps another error as the cause.
func (e *BaseMessagingError) WithCause(cause error) *BaseMessagingError {
	newErr := *e
	newErr.Cause = cause
	return &newErr
}

// ErrorBuilder provides a fluent interface for constructing messaging errors.
type ErrorBuilder struct {
	err *BaseMessagingError
}

// NewError creates a new error builder with the specified type and code.
func NewError(errType MessagingErrorType, code string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &BaseMessagingError{
			Type:      errType,
			Code:      code,
			Severity:  SeverityMedium,
			Timestamp: time.Now(),
		},
	}
}

// Message sets the error message.
func (b *ErrorBuilder) Message(msg string) *ErrorBuilder {
	b.err.Message = msg
	return b
}

// Messagef sets the error message using format string.
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.err.Message = fmt.Sprintf(format, args...)
	return b
}

// Severity sets the error severity.
func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.err.Severity = severity
	return b
}

// Retryable marks the error as retryable or not.
func (b *ErrorBuilder) Retryable(retryable bool) *ErrorBuilder {
	b.err.Retryable = retryable
	return b
}

// Cause sets the underlying cause error.
func (b *ErrorBuilder) Cause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	return b
}

// Details adds additional debugging details.
func (b *ErrorBuilder) Details(details map[string]interface{}) *ErrorBuilder {
	if b.err.AdditionalDetails == nil {
		b.err.AdditionalDetails = make(map[string]interface{})
	}
	for k, v := range details {
		b.err.AdditionalDetails[k] = v
	}
	return b
}

// Component sets the component context.
func (b *ErrorBuilder) Component(component string) *ErrorBuilder {
	b.err.Context.Component = component
	return b
}

// Operation sets the operation context.
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.err.Context.Operation = operation
	return b
}

// Destination sets the destination context.
func (b *ErrorBuilder) Destination(destination string) *ErrorBuilder {
	b.err.Context.Destination = destination
	return b
}

// Queue sets the queue context.
func (b *ErrorBuilder) Queue(queue string) *ErrorBuilder {
	b.err.Context.Queue = queue
	return b
}

// MessageID sets the message id context.
func (b *ErrorBuilder) MessageID(id string) *ErrorBuilder {
	b.err.Context.MessageID = id
	return b
}

// Build creates the final error.
func (b *ErrorBuilder) Build() *BaseMessagingError {
	return b.err
}

// Common error codes for consistent error identification
const (
	ErrCodeProcessingFailed = "PROC_001"

	ErrCodeDestinationNotFound = "DEST_001"

	ErrCodeForwardFailed  = "ESC_001"
	ErrCodeScheduleFailed = "ESC_002"

	ErrCodeInvalidConfig    = "CONF_001"
	ErrCodeMissingConfig    = "CONF_002"
	ErrCodeConfigValidation = "CONF_003"

	ErrCodeConnectionFailed = "CONN_001"

	ErrCodeInternal     = "INT_001"
	ErrCodeInvalidState = "INT_004"
)

var (
	errDestinationNotFound = &BaseMessagingError{Type: ErrorTypeDestination, Code: ErrCodeDestinationNotFound}
	errForwardFailed       = &BaseMessagingError{Type: ErrorTypeEscalation, Code: ErrCodeForwardFailed}
	errScheduleFailed      = &BaseMessagingError{Type: ErrorTypeEscalation, Code: ErrCodeScheduleFailed}
)

// NewDestinationNotFoundError reports that destination does not exist on the transport.
func NewDestinationNotFoundError(destination string, cause error) *BaseMessagingError {
	return NewError(ErrorTypeDestination, ErrCodeDestinationNotFound).
		Messagef("destination %q not found", destination).
		Destination(destination).
		Retryable(true).
		Cause(cause).
		Build()
}

// IsDestinationNotFound reports whether err, or anything it wraps, is a destination-not-found error.
func IsDestinationNotFound(err error) bool {
	return err != nil && errors.Is(err, errDestinationNotFound)
}

// NewEscalationError wraps a failure that occurred while recovering a message.
// Code is ErrCodeForwardFailed or ErrCodeScheduleFailed.
func NewEscalationError(code, label string, cause error) *BaseMessagingError {
	return NewError(ErrorTypeEscalation, code).
		Message(label).
		Severity(SeverityCritical).
		Cause(cause).
		Build()
}

// IsEscalationFailure reports whether err is an escalation failure.
func IsEscalationFailure(err error) bool {
	return err != nil && (errors.Is(err, errForwardFailed) || errors.Is(err, errScheduleFailed))
}

// NewConfigError creates a configuration validation error.
func NewConfigError(msg string) *BaseMessagingError {
	return NewError(ErrorTypeConfiguration, ErrCodeConfigValidation).
		Message(msg).
		Severity(SeverityHigh).
		Build()
}

// NewConnectionError reports a failure to reach a broker.
func NewConnectionError(msg string, cause error) *BaseMessagingError {
	return NewError(ErrorTypeConnection, ErrCodeConnectionFailed).
		Message(msg).
		Severity(SeverityHigh).
		Retryable(true).
		Cause(cause).
		Build()
}
