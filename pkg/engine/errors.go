package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass decides whether a failed operation may be attempted again.
type ErrorClass string

// Error classes. Transient, throttled and conflict errors are retryable.
const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassThrottled ErrorClass = "throttled"
	ErrorClassConflict  ErrorClass = "conflict"
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error. Code maps it to an API status; Resource names
// the execution or recipe involved.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Resource != "" {
		b.WriteString(" [")
		b.WriteString(e.Resource)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class and code, so constructed errors compare equal to the
// sentinels below.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError wraps a rate limit or quota failure.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError wraps a lost race with another writer.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError wraps a failure that retrying cannot fix.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a value that the HTTP API returns with the error.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first EngineError in the chain, or "" if none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable class.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// IsTimeout reports whether err represents an exceeded deadline, from the context,
// the network stack or a provider that classified its own failure as a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if CodeOf(err) == ErrCodeTimeout {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Error codes.
const (
	ErrCodeValidation     = "VALIDATION"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeLeaseConflict  = "LEASE_CONFLICT"
	ErrCodeNotCancellable = "NOT_CANCELLABLE"
	ErrCodeNotRetryable   = "NOT_RETRYABLE"
	ErrCodeRecipeInactive = "RECIPE_INACTIVE"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeStore          = "STORE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks. Stores and job control return errors that
// match these by class and code.
var (
	ErrNotFound       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "not found"}
	ErrConflict       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: "conflicting update"}
	ErrLeaseConflict  = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLeaseConflict, Message: "execution is not pending"}
	ErrNotCancellable = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotCancellable, Message: "execution cannot be cancelled"}
	ErrNotRetryable   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotRetryable, Message: "execution cannot be retried"}
	ErrRecipeInactive = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRecipeInactive, Message: "recipe is not active"}
	ErrPolicyDenied   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied, Message: "denied by policy"}
	ErrValidation     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: "validation failed"}
)

// NewNotFoundError returns an error matching ErrNotFound.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", kind), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewConflictUpdateError returns an error matching ErrConflict.
func NewConflictUpdateError(message, id string) *EngineError {
	return NewConflictError(message, nil).WithCode(ErrCodeConflict).WithResource(id)
}

// NewValidationError returns an error matching ErrValidation.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// StepErrorKind distinguishes why a step failed. Every kind halts the execution the
// same way; the kind is kept on the StepResult and in logs.
type StepErrorKind string

const (
	StepErrorInputResolution StepErrorKind = "input_resolution"
	StepErrorProvider        StepErrorKind = "provider"
	StepErrorTimeout         StepErrorKind = "timeout"
	StepErrorSkipCondition   StepErrorKind = "skip_condition"
)

// StepError is a classified step failure.
type StepError struct {
	Kind    StepErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

func newStepError(kind StepErrorKind, err error, format string, args ...interface{}) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
