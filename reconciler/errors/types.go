package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeSourceUnavailable indicates the registry feed could not be reached
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"

	// ErrCodeSourceMalformed indicates a single feed record could not be normalized
	ErrCodeSourceMalformed ErrorCode = "SOURCE_MALFORMED"

	// ErrCodeNetworkUnreachable indicates every candidate endpoint of a network is down
	ErrCodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"

	// ErrCodePartialRead indicates an on-chain read aborted mid-stream
	ErrCodePartialRead ErrorCode = "PARTIAL_READ_ABORTED"

	// ErrCodeRetryable indicates a transient submission failure
	ErrCodeRetryable ErrorCode = "RETRYABLE"

	// ErrCodeFatal indicates a submission failure that retrying cannot fix
	ErrCodeFatal ErrorCode = "FATAL"

	// ErrCodeDatabase indicates checkpoint or ledger store errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeTimeout indicates timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ChainError represents an error scoped to one network
type ChainError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Network  string                 `json:"network,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// NewChainError creates a new ChainError
func NewChainError(code ErrorCode, network, message string, cause error) *ChainError {
	return &ChainError{
		Code:     code,
		Message:  message,
		Network:  network,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *ChainError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Network != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Network, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *ChainError) Unwrap() error {
	return e.Cause
}

// Is matches two ChainErrors by code, so sentinel-style checks work:
// errors.Is(err, &ChainError{Code: ErrCodeFatal}).
func (e *ChainError) Is(target error) bool {
	t, ok := target.(*ChainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *ChainError) WithContext(key string, value interface{}) *ChainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *ChainError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRetryable, ErrCodeTimeout, ErrCodeSourceUnavailable, ErrCodePartialRead:
		return true
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal, ErrCodeDatabase:
		return SeverityCritical
	case ErrCodeFatal, ErrCodeNetworkUnreachable:
		return SeverityHigh
	case ErrCodeSourceUnavailable, ErrCodePartialRead, ErrCodeRetryable, ErrCodeTimeout:
		return SeverityMedium
	case ErrCodeSourceMalformed, ErrCodeConfig:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ErrorGroup represents a collection of errors
type ErrorGroup struct {
	Errors []error
}

// NewErrorGroup creates a new error group
func NewErrorGroup() *ErrorGroup {
	return &ErrorGroup{
		Errors: make([]error, 0),
	}
}

// Add adds an error to the group
func (eg *ErrorGroup) Add(err error) {
	if err != nil {
		eg.Errors = append(eg.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (eg *ErrorGroup) HasErrors() bool {
	return len(eg.Errors) > 0
}

// Error implements the error interface
func (eg *ErrorGroup) Error() string {
	if len(eg.Errors) == 0 {
		return ""
	}
	if len(eg.Errors) == 1 {
		return eg.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(eg.Errors), eg.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (eg *ErrorGroup) Unwrap() []error {
	return eg.Errors
}

// ErrOrNil returns the group as an error, or nil when empty.
func (eg *ErrorGroup) ErrOrNil() error {
	if !eg.HasErrors() {
		return nil
	}
	return eg
}

// Common error constructors

func NewSourceUnavailable(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeSourceUnavailable, network, message, cause)
}

// NewSourceMalformed reports a single feed record that failed normalization.
func NewSourceMalformed(network, key, message string) *ChainError {
	return NewChainError(ErrCodeSourceMalformed, network, message, nil).WithContext("key", key)
}

func NewNetworkUnreachable(network string, cause error) *ChainError {
	return NewChainError(ErrCodeNetworkUnreachable, network, "all endpoints unavailable", cause)
}

func NewPartialReadAborted(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodePartialRead, network, message, cause)
}

func NewRetryable(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeRetryable, network, message, cause)
}

func NewFatal(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeFatal, network, message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeDatabase, network, message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(network, message string) *ChainError {
	return NewChainError(ErrCodeConfig, network, message, nil)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeTimeout, network, message, cause)
}

// NewInternalError creates an internal error
func NewInternalError(network, message string, cause error) *ChainError {
	return NewChainError(ErrCodeInternal, network, message, cause)
}
