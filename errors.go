package layerbridge

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTransient      = "TRANSIENT_BACKEND_ERROR"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeQuota          = "QUOTA_EXCEEDED"
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"
	ErrCodeUnavailable    = "LAYER_UNAVAILABLE"
	ErrCodeCancelled      = "EXECUTION_CANCELLED"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// LayerError is the error type shared by every component.
type LayerError struct {
	Code        string    // A machine-readable error code (e.g., ErrCodeQuota)
	Stage       string    // Where the error occurred (e.g., "selection", "execution")
	Layer       LayerName // The backend involved, if any
	Message     string
	Remediation string // What the caller can do about it
	Cause       error
}

// Error implements the error interface.
func (e *LayerError) Error() string {
	msg := e.Message
	if e.Layer != "" {
		msg = fmt.Sprintf("%s: %s", e.Layer, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, msg)
}

// Unwrap returns the underlying cause of the error.
func (e *LayerError) Unwrap() error {
	return e.Cause
}

// Is matches any *LayerError with the same code, so errors.Is(err, ErrQuotaExceeded) works.
func (e *LayerError) Is(target error) bool {
	t, ok := target.(*LayerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidation     = &LayerError{Code: ErrCodeValidation}
	ErrTransient      = &LayerError{Code: ErrCodeTransient}
	ErrTimeout        = &LayerError{Code: ErrCodeTimeout}
	ErrQuotaExceeded  = &LayerError{Code: ErrCodeQuota}
	ErrAuthentication = &LayerError{Code: ErrCodeAuthentication}
	ErrUnavailable    = &LayerError{Code: ErrCodeUnavailable}
)

// NewError creates a new LayerError.
func NewError(code, stage, message string, cause error) *LayerError {
	return &LayerError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func NewValidationError(stage, message string, cause error) *LayerError {
	e := NewError(ErrCodeValidation, stage, message, cause)
	e.Remediation = "fix the request and resubmit"
	return e
}

func NewTransientError(layer LayerName, message string, cause error) *LayerError {
	e := NewError(ErrCodeTransient, "execution", message, cause)
	e.Layer = layer
	e.Remediation = "retry later"
	return e
}

func NewTimeoutError(layer LayerName, stage string, cause error) *LayerError {
	e := NewError(ErrCodeTimeout, stage, "execution timed out", cause)
	e.Layer = layer
	e.Remediation = "increase the timeout or reduce the input size"
	return e
}

func NewQuotaError(layer LayerName, message string, cause error) *LayerError {
	e := NewError(ErrCodeQuota, "execution", message, cause)
	e.Layer = layer
	e.Remediation = fmt.Sprintf("wait for the %s quota window to reset or use another backend", layer)
	return e
}

func NewAuthenticationError(layer LayerName, message string, cause error) *LayerError {
	e := NewError(ErrCodeAuthentication, "authentication", message, cause)
	e.Layer = layer
	e.Remediation = fmt.Sprintf("re-authenticate the %s backend", layer)
	return e
}

func NewUnavailableError(layer LayerName, cause error) *LayerError {
	e := NewError(ErrCodeUnavailable, "selection", "layer is not available", cause)
	e.Layer = layer
	e.Remediation = fmt.Sprintf("check that the %s backend is installed and configured", layer)
	return e
}

func NewCancelledError(stage string, cause error) *LayerError {
	msg := "execution cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewConfigurationError(message string, cause error) *LayerError {
	e := NewError(ErrCodeConfiguration, "initialization", message, cause)
	e.Remediation = "check the configuration file and environment"
	return e
}

func NewCacheError(stage, operation string, cause error) *LayerError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *LayerError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// CodeOf returns the error code carried by err. Context errors map to the
// timeout and cancellation codes, anything else untyped is internal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var le *LayerError
	if errors.As(err, &le) {
		return le.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// RemediationOf returns the remediation hint carried by err, if any.
func RemediationOf(err error) string {
	var le *LayerError
	if errors.As(err, &le) {
		return le.Remediation
	}
	return ""
}

// IsLayerError reports whether err wraps a *LayerError.
func IsLayerError(err error) bool {
	var le *LayerError
	return errors.As(err, &le)
}

func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }

func IsQuotaExceeded(err error) bool { return CodeOf(err) == ErrCodeQuota }

func IsAuthentication(err error) bool { return CodeOf(err) == ErrCodeAuthentication }

// IsRetryable reports whether retrying on the same backend may succeed.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeInternal:
		return true
	}
	return false
}
